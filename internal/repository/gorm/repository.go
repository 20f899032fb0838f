package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("db missing")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- signals ----------------------------------------------------------------

func (s *Store) AppendSignal(ctx context.Context, item *models.Signal) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return false, errors.New("signal id is empty")
	}
	// The primary key doubles as the idempotency constraint; a conflict means
	// another request already stored the same alert.
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.Signal
	err := s.db.WithContext(ctx).Model(&models.Signal{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetSignalsByIDs(ctx context.Context, ids []string) ([]models.Signal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ids = cleanStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var items []models.Signal
	if err := s.db.WithContext(ctx).
		Model(&models.Signal{}).
		Where("id IN ?", ids).
		Order("received_at asc, id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListSignals(ctx context.Context, params repository.ListSignalsParams) ([]models.Signal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Signal{})
	if tickers := cleanStrings(params.Tickers); len(tickers) > 0 {
		query = query.Where("ticker IN ?", tickers)
	}
	if params.Since != nil && !params.Since.IsZero() {
		if params.AfterID != "" {
			query = query.Where("(received_at > ? OR (received_at = ? AND id > ?))", *params.Since, *params.Since, params.AfterID)
		} else {
			query = query.Where("received_at > ?", *params.Since)
		}
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("received_at <= ?", *params.Until)
	}
	direction := "desc"
	if params.Asc != nil && *params.Asc {
		direction = "asc"
	}
	query = query.Order("received_at " + direction).Order("id " + direction)
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.Signal
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- jobs -------------------------------------------------------------------

func (s *Store) InsertJob(ctx context.Context, item *models.NotificationJob) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	// Uniqueness is enforced by uniq_job_signal_user_channel (signal_id, user_id, channel).
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "signal_id"}, {Name: "user_id"}, {Name: "channel"}},
		DoNothing: true,
	}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.NotificationJob, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.NotificationJob
	err := s.db.WithContext(ctx).Model(&models.NotificationJob{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.NotificationJob{}).
		Where("id = ?", id).
		Where("state IN ?", []string{models.JobStatePending, models.JobStateFailed}).
		Where("next_attempt_at <= ?", now).
		Updates(map[string]any{"state": models.JobStateSending, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) UpdateJob(ctx context.Context, id string, from []string, update repository.JobUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if len(from) == 0 || strings.TrimSpace(update.State) == "" {
		return false, errors.New("job update needs from states and a target state")
	}
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	values := map[string]any{"state": update.State, "updated_at": updatedAt}
	if update.Attempts != nil {
		values["attempts"] = *update.Attempts
	}
	if update.NextAttemptAt != nil {
		values["next_attempt_at"] = *update.NextAttemptAt
	}
	if update.LastError != nil {
		values["last_error"] = *update.LastError
	}
	if update.DeliveredAt != nil {
		values["delivered_at"] = *update.DeliveredAt
	}
	res := s.db.WithContext(ctx).
		Model(&models.NotificationJob{}).
		Where("id = ?", id).
		Where("state IN ?", from).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (s *Store) ListDueJobs(ctx context.Context, channel string, now time.Time, limit int) ([]models.NotificationJob, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.NotificationJob
	if err := s.db.WithContext(ctx).
		Model(&models.NotificationJob{}).
		Where("channel = ?", channel).
		Where("state IN ?", []string{models.JobStatePending, models.JobStateFailed}).
		Where("next_attempt_at <= ?", now).
		Order("next_attempt_at asc").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListJobs(ctx context.Context, params repository.ListJobsParams) ([]models.NotificationJob, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.NotificationJob{})
	if params.State != nil && strings.TrimSpace(*params.State) != "" {
		query = query.Where("state = ?", strings.TrimSpace(*params.State))
	}
	if params.Channel != nil && strings.TrimSpace(*params.Channel) != "" {
		query = query.Where("channel = ?", strings.TrimSpace(*params.Channel))
	}
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.SignalID != nil && strings.TrimSpace(*params.SignalID) != "" {
		query = query.Where("signal_id = ?", strings.TrimSpace(*params.SignalID))
	}
	query = applyOrder(query, "updated_at", params.Asc)
	var items []models.NotificationJob
	if err := query.
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountJobsBySignal(ctx context.Context, signalID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.NotificationJob{}).
		Where("signal_id = ?", signalID).
		Count(&n).Error
	return n, err
}

func (s *Store) RecoverStaleSending(ctx context.Context, before time.Time, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.NotificationJob{}).
		Where("state = ?", models.JobStateSending).
		Where("updated_at < ?", before).
		Updates(map[string]any{
			"state":           models.JobStateFailed,
			"next_attempt_at": now,
			"last_error":      "recovered from stale sending state",
			"updated_at":      now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) LinkDigestMarkers(ctx context.Context, userID, channel string, signalIDs []string, digestJobID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	signalIDs = cleanStrings(signalIDs)
	if len(signalIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.NotificationJob{}).
		Where("user_id = ? AND channel = ?", userID, channel).
		Where("state = ?", models.JobStateQueuedForDigest).
		Where("digest_job_id IS NULL").
		Where("signal_id IN ?", signalIDs).
		Updates(map[string]any{"digest_job_id": digestJobID, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

func (s *Store) SettleDigestMarkers(ctx context.Context, digestJobID string, state string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if !models.IsTerminalJobState(state) {
		return 0, errors.New("digest markers settle only into terminal states")
	}
	res := s.db.WithContext(ctx).
		Model(&models.NotificationJob{}).
		Where("digest_job_id = ?", digestJobID).
		Where("state = ?", models.JobStateQueuedForDigest).
		Updates(map[string]any{"state": state, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// --- accounts (read-only) ---------------------------------------------------

func (s *Store) ListSubscribers(ctx context.Context, ticker string) ([]models.Subscription, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Subscription
	if err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("ticker = ?", strings.ToUpper(strings.TrimSpace(ticker))).
		Where("active = ?", true).
		Order("user_id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Subscription
	if err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Where("active = ?", true).
		Order("ticker asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*models.UserAccount, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.UserAccount
	err := s.db.WithContext(ctx).Model(&models.UserAccount{}).Where("user_id = ?", userID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetPreference(ctx context.Context, userID string) (*models.NotificationPreference, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.NotificationPreference
	err := s.db.WithContext(ctx).Model(&models.NotificationPreference{}).Where("user_id = ?", userID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListPreferences(ctx context.Context, params repository.ListPreferencesParams) ([]models.NotificationPreference, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.NotificationPreference{})
	if freqs := cleanStrings(params.Frequencies); len(freqs) > 0 {
		query = query.Where("frequency IN ?", freqs)
	}
	var items []models.NotificationPreference
	if err := query.
		Order("user_id asc").
		Limit(normalizeLimit(params.Limit, 500)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- digest cursors ---------------------------------------------------------

func (s *Store) GetDigestCursor(ctx context.Context, userID, frequency string) (*models.DigestCursor, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.DigestCursor
	err := s.db.WithContext(ctx).
		Model(&models.DigestCursor{}).
		Where("user_id = ? AND frequency = ?", userID, frequency).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveDigestCursor(ctx context.Context, item *models.DigestCursor) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "frequency"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_digest_at", "last_signal_id", "updated_at"}),
	}).Create(item).Error
}

// --- helpers ----------------------------------------------------------------

func applyOrder(query *gorm.DB, column string, asc *bool) *gorm.DB {
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

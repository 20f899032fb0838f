package repository

import (
	"context"
	"time"

	"signalrelay/internal/models"
)

// SignalRepository is the append-only signal ledger storage.
type SignalRepository interface {
	// AppendSignal inserts item unless a signal with the same ID exists.
	// It reports whether this call created the row.
	AppendSignal(ctx context.Context, item *models.Signal) (bool, error)
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	GetSignalsByIDs(ctx context.Context, ids []string) ([]models.Signal, error)
	ListSignals(ctx context.Context, params ListSignalsParams) ([]models.Signal, error)
}

// JobRepository stores NotificationJobs. Every state change is a compare-and-set
// on the expected current states, so terminal states are never left.
type JobRepository interface {
	// InsertJob inserts item unless (signal_id, user_id, channel) already exists.
	InsertJob(ctx context.Context, item *models.NotificationJob) (bool, error)
	GetJob(ctx context.Context, id string) (*models.NotificationJob, error)
	// ClaimJob moves a due pending/failed job to sending.
	ClaimJob(ctx context.Context, id string, now time.Time) (bool, error)
	UpdateJob(ctx context.Context, id string, from []string, update JobUpdate) (bool, error)
	ListDueJobs(ctx context.Context, channel string, now time.Time, limit int) ([]models.NotificationJob, error)
	ListJobs(ctx context.Context, params ListJobsParams) ([]models.NotificationJob, error)
	CountJobsBySignal(ctx context.Context, signalID string) (int64, error)
	// RecoverStaleSending returns sending jobs untouched since before to failed.
	RecoverStaleSending(ctx context.Context, before time.Time, now time.Time) (int64, error)
	LinkDigestMarkers(ctx context.Context, userID, channel string, signalIDs []string, digestJobID string) (int64, error)
	SettleDigestMarkers(ctx context.Context, digestJobID string, state string) (int64, error)
}

// AccountRepository is read-only access to account-management data.
type AccountRepository interface {
	ListSubscribers(ctx context.Context, ticker string) ([]models.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error)
	GetAccount(ctx context.Context, userID string) (*models.UserAccount, error)
	GetPreference(ctx context.Context, userID string) (*models.NotificationPreference, error)
	ListPreferences(ctx context.Context, params ListPreferencesParams) ([]models.NotificationPreference, error)
}

type DigestRepository interface {
	GetDigestCursor(ctx context.Context, userID, frequency string) (*models.DigestCursor, error)
	SaveDigestCursor(ctx context.Context, item *models.DigestCursor) error
}

// Repository is everything the relay needs from storage.
type Repository interface {
	SignalRepository
	JobRepository
	AccountRepository
	DigestRepository
	Ping(ctx context.Context) error
}

type ListSignalsParams struct {
	Limit   int
	Offset  int
	Tickers []string
	Since   *time.Time
	// AfterID also admits signals received exactly at Since with a greater id.
	AfterID string
	Until   *time.Time
	Asc     *bool
}

type ListJobsParams struct {
	Limit    int
	Offset   int
	State    *string
	Channel  *string
	UserID   *string
	SignalID *string
	Asc      *bool
}

type ListPreferencesParams struct {
	Limit       int
	Offset      int
	Frequencies []string
}

// JobUpdate carries the fields of a job transition; nil fields are left alone.
type JobUpdate struct {
	State         string
	Attempts      *int
	NextAttemptAt *time.Time
	LastError     *string
	DeliveredAt   *time.Time
	UpdatedAt     time.Time
}

func BoolPtr(v bool) *bool { return &v }

func StringPtr(v string) *string { return &v }

func IntPtr(v int) *int { return &v }

func TimePtr(v time.Time) *time.Time { return &v }

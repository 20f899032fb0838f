package models

import "time"

// DigestCursor remembers the end of the last digest window handed to dispatch.
type DigestCursor struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	UserID       string    `gorm:"type:varchar(64);not null;uniqueIndex:uniq_digest_cursor,priority:1"`
	Frequency    string    `gorm:"type:varchar(10);not null;uniqueIndex:uniq_digest_cursor,priority:2"`
	LastDigestAt time.Time `gorm:"type:timestamptz;not null"`
	// LastSignalID is set when a capped batch ended at LastDigestAt, so signals
	// sharing that instant resume after it.
	LastSignalID string    `gorm:"type:varchar(64);not null;default:''"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (DigestCursor) TableName() string {
	return "digest_cursors"
}

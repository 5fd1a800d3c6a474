package models

// QueueEntry records that AppID still needs metadata for the job identified
// by JobToken. The same AppID may be queued under several jobs.
type QueueEntry struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	AppID    int64  `gorm:"not null;index"`
	JobToken string `gorm:"size:36;index"`
	// EnqueuedAt is unix nanoseconds; the worker drains oldest first.
	EnqueuedAt int64 `gorm:"not null;index"`
}

func (QueueEntry) TableName() string { return "games_queue" }

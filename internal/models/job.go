package models

// Job is an export request that could not be completed synchronously.
type Job struct {
	Token string `gorm:"primaryKey;size:36"`
	// CreatedAt is unix seconds; jobs older than the retention window are purged.
	CreatedAt int64 `gorm:"not null;index;autoCreateTime:false"`
	// Games is the JSON snapshot of the requested profile rows, in request order.
	Games         string `gorm:"type:text;not null"`
	Format        string `gorm:"size:8;not null"`
	GeneratedFile *string `gorm:"size:256"`
}

func (Job) TableName() string { return "export_jobs" }

package models

// GameInfo caches storefront metadata for one app. Rows are written once and
// never updated; Unavailable marks apps the store reports as missing or
// region-locked.
type GameInfo struct {
	AppID              int64  `gorm:"primaryKey;autoIncrement:false"`
	Name               string `gorm:"size:512"`
	Type               string `gorm:"size:32"`
	Developers         string `gorm:"type:text"`
	Publishers         string `gorm:"type:text"`
	IsFree             bool   `gorm:"default:false"`
	OnLinux            *bool
	OnMac              *bool
	OnWindows          *bool
	SupportedLanguages string `gorm:"type:text"`
	ControllerSupport  string `gorm:"size:32"`
	AgeGate            int
	Categories         string `gorm:"type:text"`
	Genres             string `gorm:"type:text"`
	ReleaseDate        string `gorm:"size:64"`
	FetchedAt          int64  `gorm:"not null"`
	Unavailable        bool   `gorm:"not null;default:false"`
}

func (GameInfo) TableName() string { return "games_info" }

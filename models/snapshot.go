package models

import "time"

// SnapshotRun groups the ephemeral SNAPSHOT chains seeded for one
// point-in-time presence capture. PresentCount is derived from the transfer
// graph of the run's chains when the run is finished; snapshot scans never
// touch the entry/exit attendance records.
type SnapshotRun struct {
	ID           uint `gorm:"primaryKey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Uid          string  `gorm:"size:36;uniqueIndex;not null"`
	SessionID    uint    `gorm:"index;not null"`
	Session      Session `gorm:"foreignKey:SessionID;references:ID"`
	CompletedAt  *time.Time
	PresentCount int `gorm:"default:0"`
}

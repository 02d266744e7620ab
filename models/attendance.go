package models

import "time"

// AttendanceDirection separates entry marking from exit marking.
type AttendanceDirection string

const (
	DirectionEntry AttendanceDirection = "ENTRY"
	DirectionExit  AttendanceDirection = "EXIT"
)

// Attendance verification methods.
const (
	MethodChainScan = "chain_scan"
	MethodManual    = "manual"
)

// AttendanceRecord marks one participant present for one session direction.
// The (session, participant, direction) unique index is what makes the upsert
// in the scan path at-most-once even under retries.
type AttendanceRecord struct {
	ID            uint `gorm:"primaryKey"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SessionID     uint                `gorm:"not null;uniqueIndex:idx_session_participant_dir"`
	ParticipantID uint                `gorm:"not null;uniqueIndex:idx_session_participant_dir"`
	Participant   User                `gorm:"foreignKey:ParticipantID;references:ID"`
	Direction     AttendanceDirection `gorm:"size:8;not null;uniqueIndex:idx_session_participant_dir"`
	Status        string              `gorm:"size:32;not null"` // present, late, ...
	Method        string              `gorm:"size:32;not null"`
	RecordedAt    time.Time           `gorm:"not null"`

	// Location audit, filled when the scan reported coordinates.
	ScanLat   *float64
	ScanLng   *float64
	DistanceM *float64
	Warning   string `gorm:"size:255"`
}

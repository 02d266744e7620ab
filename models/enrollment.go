package models

import "time"

// Enrollment links a participant to a session. LastSeenAt is bumped by the
// heartbeat endpoint and feeds the "recently active" seeding eligibility
// window.
type Enrollment struct {
	ID         uint `gorm:"primaryKey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SessionID  uint      `gorm:"index;not null;uniqueIndex:idx_session_user"`
	Session    Session   `gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_session_user"`
	User       User      `gorm:"foreignKey:UserID;references:ID"`
	LastSeenAt time.Time `gorm:"index;not null"`
}

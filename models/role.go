package models

import "time"

// RoleName is the typed role resolved once at the HTTP boundary. Code below
// the handlers only ever sees this value, never the raw JWT claim string.
type RoleName string

const (
	RoleOperator    RoleName = "operator"
	RoleParticipant RoleName = "participant"
)

// Role represents user roles with numeric primary key
type Role struct {
	ID          uint `gorm:"primaryKey"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Name        string `gorm:"size:32;uniqueIndex;not null"`
	Description string `gorm:"size:255"`
}

// ParseRoleName maps a claim string to a known role, defaulting to participant.
func ParseRoleName(s string) RoleName {
	if s == string(RoleOperator) {
		return RoleOperator
	}
	return RoleParticipant
}

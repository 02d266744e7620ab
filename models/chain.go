package models

import "time"

// ChainPhase tags what a chain collects.
type ChainPhase string

const (
	PhaseEntry    ChainPhase = "ENTRY"
	PhaseExit     ChainPhase = "EXIT"
	PhaseSnapshot ChainPhase = "SNAPSHOT"
)

// ChainState is the chain lifecycle state. STALLED is an advisory overlay (a
// stalled chain still accepts a valid scan and returns to ACTIVE); COMPLETED
// is terminal.
type ChainState string

const (
	ChainActive    ChainState = "ACTIVE"
	ChainStalled   ChainState = "STALLED"
	ChainCompleted ChainState = "COMPLETED"
)

// Chain is one token hand-off run inside a session. Sequence increases by
// exactly one per successful transfer. Chains are never deleted; completed
// chains remain as audit trail.
type Chain struct {
	ID             uint `gorm:"primaryKey"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Uid            string     `gorm:"size:36;uniqueIndex;not null"` // public id
	SessionID      uint       `gorm:"index;not null"`
	Session        Session    `gorm:"foreignKey:SessionID;references:ID"`
	Phase          ChainPhase `gorm:"size:16;not null"`
	State          ChainState `gorm:"size:16;default:ACTIVE;not null;index"`
	HolderID       uint       `gorm:"index;not null"`
	Holder         User       `gorm:"foreignKey:HolderID;references:ID"`
	Sequence       int64      `gorm:"default:0;not null"`
	LastActivityAt time.Time  `gorm:"not null"`
	CompletedAt    *time.Time
	SnapshotRunID  *uint `gorm:"index"`
}

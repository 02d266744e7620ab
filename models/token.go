package models

import "time"

// Token is the single redeemable credential for a chain. A chain has exactly
// one unconsumed token row at any time: seeding inserts it, lazy regeneration
// rotates Uid/ExpiresAt on it in place, and consumption flips Consumed and
// inserts the successor row in the same transaction. The Uid is what clients
// see (QR payload); it changes on every regeneration so stale displays go
// dead.
type Token struct {
	ID         uint `gorm:"primaryKey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Uid        string    `gorm:"size:36;uniqueIndex;not null"`
	ChainID    uint      `gorm:"index;not null"`
	Chain      Chain     `gorm:"foreignKey:ChainID;references:ID"`
	SessionID  uint      `gorm:"index;not null"`
	HolderID   uint      `gorm:"index;not null"`
	Sequence   int64     `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
	Consumed   bool      `gorm:"default:false;not null;index"`
	ConsumedAt *time.Time

	// Pending challenge, at most one per token. Cleared on every validation
	// attempt so a code is only ever checked once.
	ChallengeRequesterID *uint
	ChallengeHash        *string `gorm:"size:128"`
	ChallengeExpiresAt   *time.Time
}

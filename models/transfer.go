package models

import "time"

// TransferEntry is the immutable audit record of one handoff. Append-only;
// the (chain, sequence) unique index keeps the per-chain history contiguous
// and free of duplicates even if a scan result write is retried.
type TransferEntry struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	ChainID   uint       `gorm:"not null;uniqueIndex:idx_chain_seq"`
	Sequence  int64      `gorm:"not null;uniqueIndex:idx_chain_seq"`
	SessionID uint       `gorm:"index;not null"`
	FromID    uint       `gorm:"not null"`
	ToID      uint       `gorm:"not null"`
	Phase     ChainPhase `gorm:"size:16;not null"`
}

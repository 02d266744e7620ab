package estafet

import (
	"errors"
	"time"

	"estafet/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TokenStore owns all token record mutation. Every write here is a single
// conditional statement checked via RowsAffected, so two concurrent callers
// can never both pass a read check and then both write: the database row lock
// picks the winner and the loser's WHERE clause no longer matches.
type TokenStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{DB: db, Now: time.Now}
}

// Issue creates the initial token for a chain at the given sequence.
func (s *TokenStore) Issue(chainID, holderID uint, sequence int64, ttl time.Duration) (*models.Token, error) {
	var chain models.Chain
	if err := s.DB.First(&chain, chainID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChainNotFound
		}
		return nil, err
	}
	tok := models.Token{
		Uid:       uuid.NewString(),
		ChainID:   chain.ID,
		SessionID: chain.SessionID,
		HolderID:  holderID,
		Sequence:  sequence,
		ExpiresAt: s.Now().Add(ttl),
	}
	if err := s.DB.Create(&tok).Error; err != nil {
		return nil, err
	}
	return &tok, nil
}

// FetchLive returns the chain's current token if it is unconsumed, unexpired
// and held by holderID. Returns nil with no error otherwise; callers use the
// nil to decide between "show existing" and "lazily regenerate".
func (s *TokenStore) FetchLive(chainID, holderID uint) (*models.Token, error) {
	var tok models.Token
	err := s.DB.Where("chain_id = ? AND consumed = ?", chainID, false).First(&tok).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if tok.HolderID != holderID || s.Now().After(tok.ExpiresAt) {
		return nil, nil
	}
	return &tok, nil
}

// Regenerate rotates the uid and expiry of a chain's expired-but-unconsumed
// token in place. The expiry guard in the WHERE clause means a still-live
// token is never rotated out from under a scanner, and concurrent callers
// rotate at most once between them. Returns nil when the conditional update
// matched nothing; callers should re-fetch.
func (s *TokenStore) Regenerate(chainID, holderID uint, ttl time.Duration) (*models.Token, error) {
	now := s.Now()
	newUid := uuid.NewString()
	res := s.DB.Model(&models.Token{}).
		Where("chain_id = ? AND holder_id = ? AND consumed = ? AND expires_at <= ?", chainID, holderID, false, now).
		Updates(map[string]any{
			"uid":                    newUid,
			"expires_at":             now.Add(ttl),
			"challenge_requester_id": nil,
			"challenge_hash":         nil,
			"challenge_expires_at":   nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	var tok models.Token
	if err := s.DB.Where("uid = ?", newUid).First(&tok).Error; err != nil {
		return nil, err
	}
	return &tok, nil
}

// ConsumeAndReissue retires the token and hands the chain to newHolder in one
// transaction: conditional retire, guarded chain bump, successor insert.
// Exactly one of N racing callers succeeds; the rest observe
// ErrTokenNotFound or ErrHolderMismatch after the fact.
func (s *TokenStore) ConsumeAndReissue(tokenUid string, expectedHolder, newHolder uint, ttl time.Duration) (*models.Token, *models.Token, error) {
	now := s.Now()
	var old models.Token
	var fresh models.Token
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Token{}).
			Where("uid = ? AND holder_id = ? AND consumed = ? AND expires_at > ?",
				tokenUid, expectedHolder, false, now).
			Updates(map[string]any{"consumed": true, "consumed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the conditional. Probe once to report which gate failed.
			var probe models.Token
			if err := tx.Where("uid = ?", tokenUid).First(&probe).Error; err != nil {
				return ErrTokenNotFound
			}
			if probe.Consumed {
				return ErrTokenNotFound
			}
			// Mirror the conditional's expires_at > now: a token expiring
			// exactly at now is expired, not a holder mismatch.
			if !probe.ExpiresAt.After(now) {
				return ErrTokenExpired
			}
			return ErrHolderMismatch
		}
		if err := tx.Where("uid = ?", tokenUid).First(&old).Error; err != nil {
			return err
		}
		// Advance the chain, guarded by the sequence we consumed at. A chain
		// closed while this scan was in flight fails the guard and rolls the
		// token retire back with it.
		bump := tx.Model(&models.Chain{}).
			Where("id = ? AND sequence = ? AND state <> ?", old.ChainID, old.Sequence, models.ChainCompleted).
			Updates(map[string]any{
				"holder_id":        newHolder,
				"sequence":         old.Sequence + 1,
				"state":            models.ChainActive,
				"last_activity_at": now,
			})
		if bump.Error != nil {
			return bump.Error
		}
		if bump.RowsAffected == 0 {
			return ErrChainCompleted
		}
		fresh = models.Token{
			Uid:       uuid.NewString(),
			ChainID:   old.ChainID,
			SessionID: old.SessionID,
			HolderID:  newHolder,
			Sequence:  old.Sequence + 1,
			ExpiresAt: now.Add(ttl),
		}
		return tx.Create(&fresh).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &old, &fresh, nil
}

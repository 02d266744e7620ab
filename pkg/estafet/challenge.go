package estafet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"estafet/models"

	"gorm.io/gorm"
)

// ChallengeIssuer hands out one-time proximity-proof codes bound to a
// (token, requester) pair. Only the sha256 of the code is stored, on the
// token row itself; the plaintext goes back to the requester once and is
// never persisted.
type ChallengeIssuer struct {
	DB  *gorm.DB
	TTL time.Duration
	Now func() time.Time
	// CodeFn generates the plaintext code; overridable in tests.
	CodeFn func() (string, error)
}

func NewChallengeIssuer(db *gorm.DB, ttl time.Duration) *ChallengeIssuer {
	return &ChallengeIssuer{DB: db, TTL: ttl, Now: time.Now, CodeFn: randomCode}
}

// randomCode returns a six-digit human-enterable code.
func randomCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(b[:])%1000000), nil
}

func hashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// Request issues a fresh challenge for the given token, replacing any
// previous pending one. Returns the plaintext code and its TTL.
func (ci *ChallengeIssuer) Request(tokenUid string, requesterID uint) (string, time.Duration, error) {
	now := ci.Now()
	var tok models.Token
	if err := ci.DB.Where("uid = ? AND consumed = ?", tokenUid, false).First(&tok).Error; err != nil {
		return "", 0, ErrTokenNotFound
	}
	if now.After(tok.ExpiresAt) {
		return "", 0, ErrTokenExpired
	}
	code, err := ci.CodeFn()
	if err != nil {
		return "", 0, err
	}
	hash := hashCode(code)
	expires := now.Add(ci.TTL)
	err = ci.DB.Model(&models.Token{}).Where("id = ?", tok.ID).Updates(map[string]any{
		"challenge_requester_id": requesterID,
		"challenge_hash":         hash,
		"challenge_expires_at":   expires,
	}).Error
	if err != nil {
		return "", 0, err
	}
	return code, ci.TTL, nil
}

// Validate checks a supplied code against the pending challenge for the
// token. The pending challenge is cleared on every attempt, success or not,
// so a code can only ever be checked once per issuance.
func (ci *ChallengeIssuer) Validate(tokenUid string, requesterID uint, code string) error {
	now := ci.Now()
	var tok models.Token
	if err := ci.DB.Where("uid = ?", tokenUid).First(&tok).Error; err != nil {
		return ErrTokenNotFound
	}
	if tok.ChallengeHash == nil {
		return ErrChallengeExpired
	}
	// Claim the pending challenge: the conditional update means concurrent
	// validators consume at most one attempt between them.
	res := ci.DB.Model(&models.Token{}).
		Where("id = ? AND challenge_hash = ?", tok.ID, *tok.ChallengeHash).
		Updates(map[string]any{
			"challenge_requester_id": nil,
			"challenge_hash":         nil,
			"challenge_expires_at":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChallengeExpired
	}
	if tok.ChallengeExpiresAt == nil || now.After(*tok.ChallengeExpiresAt) {
		return ErrChallengeExpired
	}
	if tok.ChallengeRequesterID == nil || *tok.ChallengeRequesterID != requesterID {
		return ErrChallengeMismatch
	}
	if hashCode(code) != *tok.ChallengeHash {
		return ErrChallengeMismatch
	}
	return nil
}

package estafet

import (
	"errors"
	"math/rand"
	"time"

	"estafet/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Config carries the server-wide protocol defaults. Sessions can override
// TokenTTL and StallThreshold per record.
type Config struct {
	TokenTTL       time.Duration
	ChallengeTTL   time.Duration
	StallThreshold time.Duration
	// ActiveWindow bounds how stale an enrollment heartbeat may be for the
	// participant to count as "recently active" during seeding.
	ActiveWindow time.Duration
}

// SeededChain is one chain/holder/token triple returned from seeding.
type SeededChain struct {
	ChainUid  string    `json:"chain_id"`
	HolderID  uint      `json:"holder_id"`
	TokenUid  string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenView is the GetMyToken response: either "you hold nothing" or the
// caller's current live token.
type TokenView struct {
	IsHolder   bool              `json:"is_holder"`
	ChainUid   string            `json:"chain_id,omitempty"`
	ChainState models.ChainState `json:"chain_state,omitempty"`
	TokenUid   string            `json:"token_id,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

// ChainManager owns chain lifecycle: seeding, stall detection and closing.
// Transfers themselves go through the ScanProcessor and TokenStore.
type ChainManager struct {
	DB    *gorm.DB
	Store *TokenStore
	Cfg   Config
	Now   func() time.Time
}

func NewChainManager(db *gorm.DB, store *TokenStore, cfg Config) *ChainManager {
	return &ChainManager{DB: db, Store: store, Cfg: cfg, Now: time.Now}
}

func (m *ChainManager) tokenTTL(sess *models.Session) time.Duration {
	if sess.TokenTTLSecs > 0 {
		return time.Duration(sess.TokenTTLSecs) * time.Second
	}
	return m.Cfg.TokenTTL
}

func (m *ChainManager) stallThreshold(sess *models.Session) time.Duration {
	if sess.StallThresholdSecs > 0 {
		return time.Duration(sess.StallThresholdSecs) * time.Second
	}
	return m.Cfg.StallThreshold
}

// phaseDirection maps a collection phase to the attendance direction it
// marks. SNAPSHOT maps to nothing.
func phaseDirection(phase models.ChainPhase) (models.AttendanceDirection, bool) {
	switch phase {
	case models.PhaseEntry:
		return models.DirectionEntry, true
	case models.PhaseExit:
		return models.DirectionExit, true
	}
	return "", false
}

// eligibleForSeeding returns user ids of enrollments seen within the active
// window, minus (for entry/exit phases) anyone already marked for the phase's
// direction.
func (m *ChainManager) eligibleForSeeding(sess *models.Session, phase models.ChainPhase) ([]uint, error) {
	cutoff := m.Now().Add(-m.Cfg.ActiveWindow)
	q := m.DB.Model(&models.Enrollment{}).
		Where("session_id = ? AND last_seen_at >= ?", sess.ID, cutoff)
	if dir, ok := phaseDirection(phase); ok {
		q = q.Where("user_id NOT IN (?)",
			m.DB.Model(&models.AttendanceRecord{}).
				Select("participant_id").
				Where("session_id = ? AND direction = ?", sess.ID, dir))
	}
	var ids []uint
	if err := q.Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// Seed starts up to count chains on randomly chosen eligible participants.
// Fewer than count eligible participants is not an error; zero is.
func (m *ChainManager) Seed(sessionUid string, phase models.ChainPhase, count int) ([]SeededChain, error) {
	if count < 1 {
		return nil, ErrInvalidSeedCount
	}
	sess, err := m.sessionByUid(sessionUid)
	if err != nil {
		return nil, err
	}
	ids, err := m.eligibleForSeeding(sess, phase)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrInsufficientParticipants
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if count < len(ids) {
		ids = ids[:count]
	}
	return m.seedOver(sess, ids, phase, nil)
}

// seedOver creates one ACTIVE chain with its first token for each holder.
func (m *ChainManager) seedOver(sess *models.Session, holders []uint, phase models.ChainPhase, runID *uint) ([]SeededChain, error) {
	now := m.Now()
	ttl := m.tokenTTL(sess)
	out := make([]SeededChain, 0, len(holders))
	for _, holderID := range holders {
		chain := models.Chain{
			Uid:            uuid.NewString(),
			SessionID:      sess.ID,
			Phase:          phase,
			State:          models.ChainActive,
			HolderID:       holderID,
			Sequence:       0,
			LastActivityAt: now,
			SnapshotRunID:  runID,
		}
		if err := m.DB.Create(&chain).Error; err != nil {
			return nil, err
		}
		tok, err := m.Store.Issue(chain.ID, holderID, 0, ttl)
		if err != nil {
			return nil, err
		}
		out = append(out, SeededChain{
			ChainUid:  chain.Uid,
			HolderID:  holderID,
			TokenUid:  tok.Uid,
			ExpiresAt: tok.ExpiresAt,
		})
	}
	return out, nil
}

// MyToken reports whether the participant currently holds a chain in the
// session and, if so, its live token. Regeneration is pull-based: an expired
// token is rotated here, on demand, only while the chain is still open. No
// background loop re-issues tokens.
func (m *ChainManager) MyToken(sessionUid string, userID uint) (*TokenView, error) {
	sess, err := m.sessionByUid(sessionUid)
	if err != nil {
		return nil, err
	}
	var chain models.Chain
	err = m.DB.Where("session_id = ? AND holder_id = ? AND state <> ?",
		sess.ID, userID, models.ChainCompleted).
		Order("id desc").First(&chain).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &TokenView{IsHolder: false}, nil
		}
		return nil, err
	}
	m.DetectStall(&chain, sess)
	tok, err := m.Store.FetchLive(chain.ID, userID)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		if tok, err = m.Store.Regenerate(chain.ID, userID, m.tokenTTL(sess)); err != nil {
			return nil, err
		}
		if tok == nil {
			// Lost a regeneration race or the chain moved on; report current.
			if tok, err = m.Store.FetchLive(chain.ID, userID); err != nil {
				return nil, err
			}
		}
	}
	view := &TokenView{IsHolder: true, ChainUid: chain.Uid, ChainState: chain.State}
	if tok != nil {
		view.TokenUid = tok.Uid
		exp := tok.ExpiresAt
		view.ExpiresAt = &exp
	}
	return view, nil
}

// DetectStall flips an idle ACTIVE chain to STALLED. Advisory only: a stalled
// chain still accepts a valid scan, which returns it to ACTIVE. Called from
// read paths, never from a timer.
func (m *ChainManager) DetectStall(chain *models.Chain, sess *models.Session) {
	if chain.State != models.ChainActive {
		return
	}
	cutoff := m.Now().Add(-m.stallThreshold(sess))
	if chain.LastActivityAt.After(cutoff) {
		return
	}
	res := m.DB.Model(&models.Chain{}).
		Where("id = ? AND state = ? AND last_activity_at <= ?", chain.ID, models.ChainActive, cutoff).
		Update("state", models.ChainStalled)
	if res.Error == nil && res.RowsAffected == 1 {
		chain.State = models.ChainStalled
	}
}

// ListChains returns a session's chains with stall detection applied.
func (m *ChainManager) ListChains(sessionUid string) ([]models.Chain, error) {
	sess, err := m.sessionByUid(sessionUid)
	if err != nil {
		return nil, err
	}
	var chains []models.Chain
	if err := m.DB.Where("session_id = ?", sess.ID).Order("id").Find(&chains).Error; err != nil {
		return nil, err
	}
	for i := range chains {
		m.DetectStall(&chains[i], sess)
	}
	return chains, nil
}

// Close completes a chain unconditionally and idempotently. The final holder
// is deliberately not marked present here; that is the operator's explicit
// call via the manual attendance endpoint.
func (m *ChainManager) Close(chainUid string) (*models.Chain, error) {
	var chain models.Chain
	if err := m.DB.Where("uid = ?", chainUid).First(&chain).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChainNotFound
		}
		return nil, err
	}
	if chain.State == models.ChainCompleted {
		return &chain, nil
	}
	now := m.Now()
	res := m.DB.Model(&models.Chain{}).
		Where("id = ? AND state <> ?", chain.ID, models.ChainCompleted).
		Updates(map[string]any{"state": models.ChainCompleted, "completed_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if err := m.DB.First(&chain, chain.ID).Error; err != nil {
		return nil, err
	}
	return &chain, nil
}

func (m *ChainManager) sessionByUid(uid string) (*models.Session, error) {
	var sess models.Session
	if err := m.DB.Where("uid = ?", uid).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

package estafet

import (
	"errors"
	"time"

	"estafet/models"
	"estafet/pkg/event"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScanRequest is one redemption attempt by a peer against a displayed token.
type ScanRequest struct {
	TokenUid  string
	ScannerID uint
	Code      string
	Location  *Coords
}

// ScanResult is what a successful redemption hands back to the scanner.
type ScanResult struct {
	ChainUid         string    `json:"chain_id"`
	Sequence         int64     `json:"sequence"`
	NewHolderID      uint      `json:"new_holder_id"`
	NewTokenUid      string    `json:"new_token_id"`
	NewExpiresAt     time.Time `json:"new_expires_at"`
	PreviousHolderID uint      `json:"previous_holder_id"`
	Warning          string    `json:"warning,omitempty"`
}

// ScanEvent is the notification payload published after a transfer.
type ScanEvent struct {
	SessionUid string
	ChainUid   string
	Sequence   int64
	FromID     uint
	ToID       uint
	Phase      models.ChainPhase
}

// ScanProcessor runs one redemption attempt end to end. Validation gates run
// in a fixed order and all precede any mutation; the only mutating step is
// the TokenStore's atomic consume-and-reissue, after which the bookkeeping
// writes are each idempotent.
type ScanProcessor struct {
	DB         *gorm.DB
	Store      *TokenStore
	Manager    *ChainManager
	Challenges *ChallengeIssuer
	Bus        *event.Bus
	Now        func() time.Time
}

func NewScanProcessor(db *gorm.DB, store *TokenStore, mgr *ChainManager, ci *ChallengeIssuer, bus *event.Bus) *ScanProcessor {
	return &ScanProcessor{DB: db, Store: store, Manager: mgr, Challenges: ci, Bus: bus, Now: time.Now}
}

// Submit processes one scan. Gate order: token exists and is live, not a
// self-scan, proximity proof (challenge and/or geofence per session config),
// then the atomic handoff. The first failed gate aborts with no side effects
// other than challenge consumption, which is single-use on purpose.
func (p *ScanProcessor) Submit(req ScanRequest) (*ScanResult, error) {
	now := p.Now()

	var tok models.Token
	if err := p.DB.Where("uid = ? AND consumed = ?", req.TokenUid, false).First(&tok).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if now.After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if tok.HolderID == req.ScannerID {
		return nil, ErrSelfScan
	}

	var sess models.Session
	if err := p.DB.First(&sess, tok.SessionID).Error; err != nil {
		return nil, ErrSessionNotFound
	}

	// Challenge-response proof. An empty code with a code-requiring session
	// is rejected up front so the pending challenge is not burned by a
	// scanner who never asked the holder for it.
	if sess.RequireCode || req.Code != "" {
		if req.Code == "" {
			return nil, ErrChallengeRequired
		}
		if err := p.Challenges.Validate(req.TokenUid, req.ScannerID, req.Code); err != nil {
			return nil, err
		}
	}

	var warning string
	var distance *float64
	if sess.GeofenceMode != models.GeofenceOff && sess.AnchorLat != nil && sess.AnchorLng != nil {
		gf := ValidateGeofence(
			Coords{Lat: *sess.AnchorLat, Lng: *sess.AnchorLng},
			sess.GeofenceRadiusM, sess.GeofenceMode, sess.BlockUnlocated, req.Location,
		)
		if gf.ShouldBlock {
			if req.Location == nil {
				return nil, ErrLocationRequired
			}
			return nil, ErrGeofenceViolation
		}
		warning = gf.Warning
		if gf.DistanceM >= 0 {
			d := gf.DistanceM
			distance = &d
		}
	}

	old, fresh, err := p.Store.ConsumeAndReissue(req.TokenUid, tok.HolderID, req.ScannerID, p.Manager.tokenTTL(&sess))
	if err != nil {
		return nil, err
	}

	var chain models.Chain
	if err := p.DB.First(&chain, old.ChainID).Error; err != nil {
		return nil, err
	}

	// Mark the previous holder present, at most once per session+direction.
	// FirstOrCreate against the unique index keeps upstream retries from
	// double-crediting anyone.
	if dir, ok := phaseDirection(chain.Phase); ok {
		rec := models.AttendanceRecord{
			SessionID:     sess.ID,
			ParticipantID: old.HolderID,
			Direction:     dir,
		}
		attrs := models.AttendanceRecord{
			Status:     "present",
			Method:     models.MethodChainScan,
			RecordedAt: now,
			DistanceM:  distance,
			Warning:    warning,
		}
		if req.Location != nil {
			attrs.ScanLat = &req.Location.Lat
			attrs.ScanLng = &req.Location.Lng
		}
		if err := p.DB.Where(&rec).Attrs(attrs).FirstOrCreate(&rec).Error; err != nil {
			return nil, err
		}
	}

	entry := models.TransferEntry{
		ChainID:   chain.ID,
		Sequence:  fresh.Sequence,
		SessionID: sess.ID,
		FromID:    old.HolderID,
		ToID:      req.ScannerID,
		Phase:     chain.Phase,
	}
	if err := p.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		return nil, err
	}

	if p.Bus != nil {
		p.Bus.PublishAsync(event.TypeScanCompleted, event.New(event.TypeScanCompleted, ScanEvent{
			SessionUid: sess.Uid,
			ChainUid:   chain.Uid,
			Sequence:   fresh.Sequence,
			FromID:     old.HolderID,
			ToID:       req.ScannerID,
			Phase:      chain.Phase,
		}))
	}

	return &ScanResult{
		ChainUid:         chain.Uid,
		Sequence:         fresh.Sequence,
		NewHolderID:      fresh.HolderID,
		NewTokenUid:      fresh.Uid,
		NewExpiresAt:     fresh.ExpiresAt,
		PreviousHolderID: old.HolderID,
		Warning:          warning,
	}, nil
}

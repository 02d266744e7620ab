package estafet

import (
	"errors"
	"math/rand"
	"time"

	"estafet/models"
	"estafet/pkg/event"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SnapshotEvent is published when a snapshot run completes.
type SnapshotEvent struct {
	SessionUid   string
	RunUid       string
	PresentCount int
}

// SnapshotCoordinator runs point-in-time presence captures: short-lived
// SNAPSHOT chains over the currently-active participant set, riding the same
// scan machinery. Snapshot scans never touch entry/exit attendance; presence
// is read off the transfer graph when the run finishes.
type SnapshotCoordinator struct {
	DB      *gorm.DB
	Manager *ChainManager
	Bus     *event.Bus
	Now     func() time.Time
}

func NewSnapshotCoordinator(db *gorm.DB, mgr *ChainManager, bus *event.Bus) *SnapshotCoordinator {
	return &SnapshotCoordinator{DB: db, Manager: mgr, Bus: bus, Now: time.Now}
}

// Start seeds a snapshot run over every recently-active enrollee, marked or
// not. count <= 0 means all of them.
func (sc *SnapshotCoordinator) Start(sessionUid string, count int) (*models.SnapshotRun, []SeededChain, error) {
	sess, err := sc.Manager.sessionByUid(sessionUid)
	if err != nil {
		return nil, nil, err
	}
	cutoff := sc.Now().Add(-sc.Manager.Cfg.ActiveWindow)
	var ids []uint
	err = sc.DB.Model(&models.Enrollment{}).
		Where("session_id = ? AND last_seen_at >= ?", sess.ID, cutoff).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, ErrInsufficientParticipants
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if count > 0 && count < len(ids) {
		ids = ids[:count]
	}
	run := models.SnapshotRun{Uid: uuid.NewString(), SessionID: sess.ID}
	if err := sc.DB.Create(&run).Error; err != nil {
		return nil, nil, err
	}
	seeded, err := sc.Manager.seedOver(sess, ids, models.PhaseSnapshot, &run.ID)
	if err != nil {
		return nil, nil, err
	}
	return &run, seeded, nil
}

// Finish closes the run's chains and records PresentCount: the number of
// distinct participants the run's chains touched (every transfer endpoint
// plus each chain's current holder, which covers chains that never moved).
func (sc *SnapshotCoordinator) Finish(runUid string) (*models.SnapshotRun, error) {
	var run models.SnapshotRun
	if err := sc.DB.Where("uid = ?", runUid).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChainNotFound
		}
		return nil, err
	}
	if run.CompletedAt != nil {
		return &run, nil
	}
	now := sc.Now()

	var chains []models.Chain
	if err := sc.DB.Where("snapshot_run_id = ?", run.ID).Find(&chains).Error; err != nil {
		return nil, err
	}
	present := make(map[uint]struct{})
	chainIDs := make([]uint, 0, len(chains))
	for _, c := range chains {
		chainIDs = append(chainIDs, c.ID)
		present[c.HolderID] = struct{}{}
	}
	if len(chainIDs) > 0 {
		var entries []models.TransferEntry
		if err := sc.DB.Where("chain_id IN ?", chainIDs).Find(&entries).Error; err != nil {
			return nil, err
		}
		for _, e := range entries {
			present[e.FromID] = struct{}{}
			present[e.ToID] = struct{}{}
		}
		err := sc.DB.Model(&models.Chain{}).
			Where("snapshot_run_id = ? AND state <> ?", run.ID, models.ChainCompleted).
			Updates(map[string]any{"state": models.ChainCompleted, "completed_at": now}).Error
		if err != nil {
			return nil, err
		}
	}

	err := sc.DB.Model(&models.SnapshotRun{}).Where("id = ?", run.ID).
		Updates(map[string]any{"completed_at": now, "present_count": len(present)}).Error
	if err != nil {
		return nil, err
	}
	if err := sc.DB.First(&run, run.ID).Error; err != nil {
		return nil, err
	}
	if sc.Bus != nil {
		var sess models.Session
		if err := sc.DB.First(&sess, run.SessionID).Error; err == nil {
			sc.Bus.PublishAsync(event.TypeSnapshotCompleted, event.New(event.TypeSnapshotCompleted, SnapshotEvent{
				SessionUid:   sess.Uid,
				RunUid:       run.Uid,
				PresentCount: run.PresentCount,
			}))
		}
	}
	return &run, nil
}

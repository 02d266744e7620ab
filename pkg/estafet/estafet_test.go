package estafet

import (
	"testing"
	"time"

	"estafet/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a fresh in-memory sqlite database. MaxOpenConns(1)
// serializes concurrent goroutines at the driver, which keeps the race tests
// deterministic; the winner/loser split asserted is the same one postgres
// row locking produces.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = gdb.AutoMigrate(
		&models.Role{}, &models.User{}, &models.Session{}, &models.Enrollment{},
		&models.Chain{}, &models.Token{}, &models.AttendanceRecord{},
		&models.TransferEntry{}, &models.SnapshotRun{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// fakeClock lets tests move time forward explicitly.
type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func testConfig() Config {
	return Config{
		TokenTTL:       90 * time.Second,
		ChallengeTTL:   45 * time.Second,
		StallThreshold: 5 * time.Minute,
		ActiveWindow:   15 * time.Minute,
	}
}

// testRig bundles the wired core components over one test database.
type testRig struct {
	db      *gorm.DB
	clock   *fakeClock
	store   *TokenStore
	mgr     *ChainManager
	issuer  *ChallengeIssuer
	scanner *ScanProcessor
	snaps   *SnapshotCoordinator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db := newTestDB(t)
	clock := &fakeClock{t: time.Now()}
	cfg := testConfig()
	store := &TokenStore{DB: db, Now: clock.Now}
	mgr := &ChainManager{DB: db, Store: store, Cfg: cfg, Now: clock.Now}
	issuer := &ChallengeIssuer{DB: db, TTL: cfg.ChallengeTTL, Now: clock.Now, CodeFn: func() (string, error) { return "123456", nil }}
	scanner := &ScanProcessor{DB: db, Store: store, Manager: mgr, Challenges: issuer, Now: clock.Now}
	snaps := &SnapshotCoordinator{DB: db, Manager: mgr, Now: clock.Now}
	return &testRig{db: db, clock: clock, store: store, mgr: mgr, issuer: issuer, scanner: scanner, snaps: snaps}
}

func (r *testRig) makeUser(t *testing.T, name string) *models.User {
	t.Helper()
	u := models.User{Username: name, HashedPassword: []byte("x")}
	if err := r.db.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return &u
}

func (r *testRig) makeSession(t *testing.T, mutate func(*models.Session)) *models.Session {
	t.Helper()
	sess := models.Session{
		Uid:          uuid.NewString(),
		Name:         "test session",
		OperatorID:   1,
		Active:       true,
		GeofenceMode: models.GeofenceOff,
	}
	if mutate != nil {
		mutate(&sess)
	}
	if err := r.db.Create(&sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &sess
}

func (r *testRig) enroll(t *testing.T, sess *models.Session, users ...*models.User) {
	t.Helper()
	for _, u := range users {
		e := models.Enrollment{SessionID: sess.ID, UserID: u.ID, LastSeenAt: r.clock.Now()}
		if err := r.db.Create(&e).Error; err != nil {
			t.Fatalf("enroll user %d: %v", u.ID, err)
		}
	}
}

// seedOne seeds exactly one chain and returns its seeded view.
func (r *testRig) seedOne(t *testing.T, sess *models.Session, phase models.ChainPhase) SeededChain {
	t.Helper()
	seeded, err := r.mgr.Seed(sess.Uid, phase, 1)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(seeded) != 1 {
		t.Fatalf("expected 1 seeded chain got %d", len(seeded))
	}
	return seeded[0]
}

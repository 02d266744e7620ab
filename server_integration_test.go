package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"estafet/models"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// setupTestServer wires the whole app against an in-memory sqlite database,
// so the integration tests need no external services.
func setupTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
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
	db = gdb
	migrateDB(db)
	seedDB(db)
	jwtSecret = []byte("test-secret")
	setupCore(&Config{
		TokenTTLSecs:       90,
		ChallengeTTLSecs:   45,
		StallThresholdSecs: 300,
		ActiveWindowSecs:   900,
	})
	r := gin.New()
	setupRoutes(r)
	return r
}

func loginAs(t *testing.T, r *gin.Engine, username, password string) string {
	t.Helper()
	rec := performRequest(r, http.MethodPost, "/login", jsonBody(t, gin.H{"username": username, "password": password}), "")
	if rec.Code != 200 {
		t.Fatalf("login %s failed status=%d body=%s", username, rec.Code, rec.Body.String())
	}
	token, _ := decode(t, rec)["token"].(string)
	if token == "" {
		t.Fatalf("empty token for %s", username)
	}
	return token
}

func registerAndLogin(t *testing.T, r *gin.Engine, username string) string {
	t.Helper()
	rec := performRequest(r, http.MethodPost, "/register", jsonBody(t, gin.H{"username": username, "password": "pass123"}), "")
	if rec.Code != 200 {
		t.Fatalf("register %s failed status=%d body=%s", username, rec.Code, rec.Body.String())
	}
	return loginAs(t, r, username, "pass123")
}

func TestFullTransferFlow(t *testing.T) {
	r := setupTestServer(t)

	opToken := loginAs(t, r, "operator", "operator123")
	aToken := registerAndLogin(t, r, "alice")
	bToken := registerAndLogin(t, r, "bob")

	// operator creates a session
	rec := performRequest(r, http.MethodPost, "/sessions", jsonBody(t, gin.H{"name": "morning class"}), opToken)
	if rec.Code != 200 {
		t.Fatalf("create session failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	sessionID, _ := decode(t, rec)["id"].(string)
	if sessionID == "" {
		t.Fatalf("no session id")
	}

	// participants join
	for _, tok := range []string{aToken, bToken} {
		rec = performRequest(r, http.MethodPost, "/sessions/"+sessionID+"/join", nil, tok)
		if rec.Code != 200 {
			t.Fatalf("join failed status=%d body=%s", rec.Code, rec.Body.String())
		}
	}

	// a participant cannot seed chains
	rec = performRequest(r, http.MethodPost, "/sessions/"+sessionID+"/chains",
		jsonBody(t, gin.H{"phase": "ENTRY", "count": 1}), aToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for participant seeding got %d", rec.Code)
	}

	// operator seeds one ENTRY chain
	rec = performRequest(r, http.MethodPost, "/sessions/"+sessionID+"/chains",
		jsonBody(t, gin.H{"phase": "ENTRY", "count": 1}), opToken)
	if rec.Code != 200 {
		t.Fatalf("seed failed status=%d body=%s", rec.Code, rec.Body.String())
	}

	// figure out who the holder is via GetMyToken
	holderToken, scannerToken := aToken, bToken
	rec = performRequest(r, http.MethodGet, "/sessions/"+sessionID+"/token", nil, aToken)
	if rec.Code != 200 {
		t.Fatalf("my token failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	view := decode(t, rec)
	if isHolder, _ := view["is_holder"].(bool); !isHolder {
		holderToken, scannerToken = bToken, aToken
		rec = performRequest(r, http.MethodGet, "/sessions/"+sessionID+"/token", nil, bToken)
		if rec.Code != 200 {
			t.Fatalf("my token failed status=%d body=%s", rec.Code, rec.Body.String())
		}
		view = decode(t, rec)
	}
	if isHolder, _ := view["is_holder"].(bool); !isHolder {
		t.Fatalf("nobody holds the seeded chain: %+v", view)
	}
	tokenID, _ := view["token_id"].(string)
	chainID, _ := view["chain_id"].(string)
	if tokenID == "" || chainID == "" {
		t.Fatalf("holder view missing ids: %+v", view)
	}

	// the holder cannot scan their own token
	rec = performRequest(r, http.MethodPost, "/scans", jsonBody(t, gin.H{"token_id": tokenID}), holderToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for self-scan got %d body=%s", rec.Code, rec.Body.String())
	}

	// the peer scans with a challenge code
	rec = performRequest(r, http.MethodPost, "/challenges", jsonBody(t, gin.H{"token_id": tokenID}), scannerToken)
	if rec.Code != 200 {
		t.Fatalf("challenge failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	code, _ := decode(t, rec)["code"].(string)
	if code == "" {
		t.Fatalf("no challenge code")
	}
	rec = performRequest(r, http.MethodPost, "/scans", jsonBody(t, gin.H{"token_id": tokenID, "code": code}), scannerToken)
	if rec.Code != 200 {
		t.Fatalf("scan failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	result := decode(t, rec)
	newTokenID, _ := result["new_token_id"].(string)
	if newTokenID == "" || newTokenID == tokenID {
		t.Fatalf("bad scan result: %+v", result)
	}

	// replaying the consumed token id reads as generically gone
	rec = performRequest(r, http.MethodPost, "/scans", jsonBody(t, gin.H{"token_id": tokenID}), scannerToken)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for stale token got %d body=%s", rec.Code, rec.Body.String())
	}

	// the previous holder is marked
	rec = performRequest(r, http.MethodGet, "/sessions/"+sessionID+"/attendance", nil, opToken)
	if rec.Code != 200 {
		t.Fatalf("attendance failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	var records []models.AttendanceRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode attendance: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 attendance record got %d", len(records))
	}

	// operator closes the chain
	rec = performRequest(r, http.MethodPost, "/chains/"+chainID+"/close", nil, opToken)
	if rec.Code != 200 {
		t.Fatalf("close failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	closed := decode(t, rec)
	if closed["completed_at"] == nil {
		t.Fatalf("close response missing completed_at: %+v", closed)
	}

	// unauthorized access to a protected endpoint is 401
	rec = performRequest(r, http.MethodGet, "/sessions/"+sessionID+"/token", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestSnapshotFlow(t *testing.T) {
	r := setupTestServer(t)
	opToken := loginAs(t, r, "operator", "operator123")

	rec := performRequest(r, http.MethodPost, "/sessions", jsonBody(t, gin.H{"name": "standup"}), opToken)
	sessionID, _ := decode(t, rec)["id"].(string)

	for i := 0; i < 3; i++ {
		tok := registerAndLogin(t, r, fmt.Sprintf("snap%d", i))
		rec = performRequest(r, http.MethodPost, "/sessions/"+sessionID+"/join", nil, tok)
		if rec.Code != 200 {
			t.Fatalf("join failed status=%d", rec.Code)
		}
	}

	rec = performRequest(r, http.MethodPost, "/sessions/"+sessionID+"/snapshots", jsonBody(t, gin.H{}), opToken)
	if rec.Code != 200 {
		t.Fatalf("snapshot start failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	started := decode(t, rec)
	snapID, _ := started["snapshot_id"].(string)
	if seeded, _ := started["seeded"].(float64); seeded != 3 {
		t.Fatalf("expected 3 seeded got %v", started["seeded"])
	}

	rec = performRequest(r, http.MethodPost, "/snapshots/"+snapID+"/close", nil, opToken)
	if rec.Code != 200 {
		t.Fatalf("snapshot close failed status=%d body=%s", rec.Code, rec.Body.String())
	}
	finished := decode(t, rec)
	if count, _ := finished["present_count"].(float64); count != 3 {
		t.Fatalf("expected present_count 3 got %v", finished["present_count"])
	}
}

func TestSeedChainsInsufficientParticipants(t *testing.T) {
	r := setupTestServer(t)
	opToken := loginAs(t, r, "operator", "operator123")
	rec := performRequest(r, http.MethodPost, "/sessions", jsonBody(t, gin.H{"name": "empty"}), opToken)
	sessionID, _ := decode(t, rec)["id"].(string)
	rec = performRequest(r, http.MethodPost, "/sessions/"+sessionID+"/chains",
		jsonBody(t, gin.H{"phase": "ENTRY", "count": 1}), opToken)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	r := setupTestServer(t)
	rec := performRequest(r, http.MethodPost, "/register", jsonBody(t, gin.H{"username": "carol", "password": "pass123"}), "")
	if rec.Code != 200 {
		t.Fatalf("register failed: %d", rec.Code)
	}
	rec = performRequest(r, http.MethodPost, "/login", jsonBody(t, gin.H{"username": "carol", "password": "pass123"}), "")
	refresh, _ := decode(t, rec)["refresh_token"].(string)
	if refresh == "" {
		t.Fatalf("no refresh token")
	}
	rec = performRequest(r, http.MethodPost, "/refresh", jsonBody(t, gin.H{"refresh_token": refresh}), "")
	if rec.Code != 200 {
		t.Fatalf("refresh failed: %d body=%s", rec.Code, rec.Body.String())
	}
	// the old refresh token is revoked by rotation
	rec = performRequest(r, http.MethodPost, "/refresh", jsonBody(t, gin.H{"refresh_token": refresh}), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rotated token got %d", rec.Code)
	}
}

package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"estafet/models"
	"estafet/pkg/estafet"
	"estafet/pkg/event"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Core components, wired in main (and in the test harness).
var (
	bus        *event.Bus
	tokenStore *estafet.TokenStore
	chainMgr   *estafet.ChainManager
	challenges *estafet.ChallengeIssuer
	scanProc   *estafet.ScanProcessor
	snapshots  *estafet.SnapshotCoordinator
)

func setupRoutes(r *gin.Engine) {
	r.POST("/register", registerHandler)
	r.POST("/login", loginHandler)
	r.POST("/refresh", refreshHandler)
	r.POST("/revoke_refresh", revokeRefreshHandler)

	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.GET("/me", meHandler)

	authGroup.POST("/sessions", requireOperator(), createSessionHandler)
	authGroup.GET("/sessions", listSessionsHandler)
	authGroup.GET("/sessions/:id", getSessionHandler)
	authGroup.POST("/sessions/:id/join", joinSessionHandler)
	authGroup.POST("/sessions/:id/heartbeat", heartbeatHandler)

	authGroup.POST("/sessions/:id/chains", requireOperator(), seedChainsHandler)
	authGroup.GET("/sessions/:id/chains", requireOperator(), listChainsHandler)
	authGroup.GET("/sessions/:id/token", myTokenHandler)
	authGroup.POST("/challenges", requestChallengeHandler)
	authGroup.POST("/scans", submitScanHandler)
	authGroup.POST("/chains/:id/close", requireOperator(), closeChainHandler)

	authGroup.GET("/sessions/:id/attendance", requireOperator(), listAttendanceHandler)
	authGroup.POST("/sessions/:id/attendance", requireOperator(), markAttendanceHandler)

	authGroup.POST("/sessions/:id/snapshots", requireOperator(), startSnapshotHandler)
	authGroup.POST("/snapshots/:id/close", requireOperator(), finishSnapshotHandler)

	authGroup.GET("/sessions/:id/events", sessionEventsHandler)
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		roleStr, _ := claims["role"].(string)
		c.Set("username", username)
		// Resolve the raw claim to a typed role here, once. Everything below
		// the handlers works with models.RoleName, never the claim string.
		c.Set("role", models.ParseRoleName(roleStr))
		c.Next()
	}
}

func requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if roleFromContext(c) != models.RoleOperator {
			c.JSON(http.StatusForbidden, gin.H{"error": "operator role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func roleFromContext(c *gin.Context) models.RoleName {
	if v, ok := c.Get("role"); ok {
		if r, ok2 := v.(models.RoleName); ok2 {
			return r
		}
	}
	return models.RoleParticipant
}

// getUserFromContext fetches the currently authenticated user using the username set by jwtAuthMiddleware
func getUserFromContext(c *gin.Context) (*models.User, bool) {
	unameVal, _ := c.Get("username")
	if unameVal == nil {
		return nil, false
	}
	uname := unameVal.(string)
	var user models.User
	if err := db.Where("username = ?", uname).First(&user).Error; err != nil {
		return nil, false
	}
	return &user, true
}

func meHandler(c *gin.Context) {
	usernameVal, _ := c.Get("username")
	if usernameVal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": usernameVal.(string), "role": roleFromContext(c)})
}

// coreError maps the protocol failure taxonomy onto HTTP statuses. A token
// lost to a race or expiry is reported generically: to the loser both cases
// mean the same thing.
func coreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, estafet.ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "this code was already used"})
	case errors.Is(err, estafet.ErrHolderMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "this code was already used"})
	case errors.Is(err, estafet.ErrTokenExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, estafet.ErrChallengeExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, estafet.ErrSelfScan),
		errors.Is(err, estafet.ErrChallengeMismatch),
		errors.Is(err, estafet.ErrGeofenceViolation):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, estafet.ErrChallengeRequired),
		errors.Is(err, estafet.ErrLocationRequired),
		errors.Is(err, estafet.ErrInvalidSeedCount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, estafet.ErrChainNotFound),
		errors.Is(err, estafet.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, estafet.ErrChainCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, estafet.ErrInsufficientParticipants):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, estafet.ErrNotEnrolled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := RegisterUser(req.Username, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	tokenString, err := signAccessToken(&user, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	refreshToken, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "refresh_token": refreshToken})
}

// signAccessToken resolves the role name from RoleID and signs an HS256 JWT.
func signAccessToken(user *models.User, ttl time.Duration) (string, error) {
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(jwtSecret)
}

// createAndStoreRefreshToken generates a random refresh token, stores its hash with expiry and returns the raw token string
func createAndStoreRefreshToken(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	rt := models.RefreshToken{UserID: userID, TokenHash: th, ExpiresAt: time.Now().Add(30 * 24 * time.Hour)}
	if err := db.Create(&rt).Error; err != nil {
		return "", err
	}
	return token, nil
}

func findRefreshTokenByRaw(token string) (*models.RefreshToken, error) {
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	var rt models.RefreshToken
	if err := db.Where("token_hash = ?", th).First(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

// refreshHandler exchanges a refresh token for a new access token and rotates the refresh token
func refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	var user models.User
	if err := db.First(&user, rt.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	tokenString, err := signAccessToken(&user, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	// rotate refresh token: revoke existing and create new one
	db.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked", true)
	newRT, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": newRT})
}

// revokeRefreshHandler revokes a given refresh token (useful on logout)
func revokeRefreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "refresh token not found"})
		return
	}
	rt.Revoked = true
	if err := db.Save(rt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refresh token revoked"})
}

func sessionView(s *models.Session) gin.H {
	return gin.H{
		"id":                   s.Uid,
		"name":                 s.Name,
		"active":               s.Active,
		"geofence_mode":        s.GeofenceMode,
		"geofence_radius_m":    s.GeofenceRadiusM,
		"require_code":         s.RequireCode,
		"block_unlocated":      s.BlockUnlocated,
		"token_ttl_secs":       s.TokenTTLSecs,
		"stall_threshold_secs": s.StallThresholdSecs,
	}
}

func createSessionHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		Name               string              `json:"name" binding:"required"`
		AnchorLat          *float64            `json:"anchor_lat"`
		AnchorLng          *float64            `json:"anchor_lng"`
		GeofenceRadiusM    float64             `json:"geofence_radius_m"`
		GeofenceMode       models.GeofenceMode `json:"geofence_mode"`
		BlockUnlocated     bool                `json:"block_unlocated"`
		RequireCode        bool                `json:"require_code"`
		TokenTTLSecs       int                 `json:"token_ttl_secs"`
		StallThresholdSecs int                 `json:"stall_threshold_secs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := req.GeofenceMode
	switch mode {
	case models.GeofenceOff, models.GeofenceWarn, models.GeofenceEnforce:
	case "":
		mode = models.GeofenceOff
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid geofence_mode"})
		return
	}
	sess := models.Session{
		Uid:                uuid.NewString(),
		Name:               req.Name,
		OperatorID:         user.ID,
		Active:             true,
		AnchorLat:          req.AnchorLat,
		AnchorLng:          req.AnchorLng,
		GeofenceRadiusM:    req.GeofenceRadiusM,
		GeofenceMode:       mode,
		BlockUnlocated:     req.BlockUnlocated,
		RequireCode:        req.RequireCode,
		TokenTTLSecs:       req.TokenTTLSecs,
		StallThresholdSecs: req.StallThresholdSecs,
	}
	if err := db.Create(&sess).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusOK, sessionView(&sess))
}

func listSessionsHandler(c *gin.Context) {
	var sessions []models.Session
	if err := db.Where("active = ?", true).Order("id desc").Limit(100).Find(&sessions).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionView(&sessions[i]))
	}
	c.JSON(http.StatusOK, out)
}

func sessionByParam(c *gin.Context) (*models.Session, bool) {
	var sess models.Session
	if err := db.Where("uid = ?", c.Param("id")).First(&sess).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return &sess, true
}

func getSessionHandler(c *gin.Context) {
	sess, ok := sessionByParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

func joinSessionHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	sess, ok := sessionByParam(c)
	if !ok {
		return
	}
	enr := models.Enrollment{SessionID: sess.ID, UserID: user.ID}
	if err := db.Where(&enr).Attrs(models.Enrollment{LastSeenAt: time.Now()}).FirstOrCreate(&enr).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join failed"})
		return
	}
	db.Model(&enr).Update("last_seen_at", time.Now())
	c.JSON(http.StatusOK, gin.H{"message": "joined", "session_id": sess.Uid})
}

func heartbeatHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	sess, ok := sessionByParam(c)
	if !ok {
		return
	}
	res := db.Model(&models.Enrollment{}).
		Where("session_id = ? AND user_id = ?", sess.ID, user.ID).
		Update("last_seen_at", time.Now())
	if res.Error != nil || res.RowsAffected == 0 {
		coreError(c, estafet.ErrNotEnrolled)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func seedChainsHandler(c *gin.Context) {
	var req struct {
		Phase models.ChainPhase `json:"phase" binding:"required"`
		Count int               `json:"count" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Phase != models.PhaseEntry && req.Phase != models.PhaseExit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phase must be ENTRY or EXIT"})
		return
	}
	seeded, err := chainMgr.Seed(c.Param("id"), req.Phase, req.Count)
	if err != nil {
		coreError(c, err)
		return
	}
	publishSeeded(c.Param("id"), seeded)
	c.JSON(http.StatusOK, gin.H{"seeded": len(seeded), "chains": seeded})
}

func listChainsHandler(c *gin.Context) {
	chains, err := chainMgr.ListChains(c.Param("id"))
	if err != nil {
		coreError(c, err)
		return
	}
	out := make([]gin.H, 0, len(chains))
	for _, ch := range chains {
		out = append(out, gin.H{
			"id":            ch.Uid,
			"phase":         ch.Phase,
			"state":         ch.State,
			"holder_id":     ch.HolderID,
			"sequence":      ch.Sequence,
			"last_activity": ch.LastActivityAt,
			"completed_at":  ch.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// myTokenHandler is the holder's polling endpoint: it reports the caller's
// live token, lazily regenerating an expired one, and doubles as an activity
// heartbeat.
func myTokenHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	sess, ok := sessionByParam(c)
	if !ok {
		return
	}
	db.Model(&models.Enrollment{}).
		Where("session_id = ? AND user_id = ?", sess.ID, user.ID).
		Update("last_seen_at", time.Now())
	view, err := chainMgr.MyToken(sess.Uid, user.ID)
	if err != nil {
		coreError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func requestChallengeHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		TokenID string `json:"token_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	code, ttl, err := challenges.Request(req.TokenID, user.ID)
	if err != nil {
		coreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "expires_in_seconds": int(ttl.Seconds())})
}

func submitScanHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		TokenID string   `json:"token_id" binding:"required"`
		Code    string   `json:"code"`
		Lat     *float64 `json:"lat"`
		Lng     *float64 `json:"lng"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scan := estafet.ScanRequest{TokenUid: req.TokenID, ScannerID: user.ID, Code: req.Code}
	if req.Lat != nil && req.Lng != nil {
		scan.Location = &estafet.Coords{Lat: *req.Lat, Lng: *req.Lng}
	}
	result, err := scanProc.Submit(scan)
	if err != nil {
		coreError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func closeChainHandler(c *gin.Context) {
	chain, err := chainMgr.Close(c.Param("id"))
	if err != nil {
		coreError(c, err)
		return
	}
	publishChainClosed(chain)
	c.JSON(http.StatusOK, gin.H{
		"final_holder_id": chain.HolderID,
		"completed_at":    chain.CompletedAt,
	})
}

func listAttendanceHandler(c *gin.Context) {
	sess, ok := sessionByParam(c)
	if !ok {
		return
	}
	var records []models.AttendanceRecord
	if err := db.Where("session_id = ?", sess.ID).Order("id").Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, records)
}

// markAttendanceHandler is the operator's explicit manual mark, e.g. for the
// final holder of a closed chain. Same at-most-once guarantee as the scan
// path.
func markAttendanceHandler(c *gin.Context) {
	sess, ok := sessionByParam(c)
	if !ok {
		return
	}
	var req struct {
		ParticipantID uint                       `json:"participant_id" binding:"required"`
		Direction     models.AttendanceDirection `json:"direction" binding:"required"`
		Status        string                     `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Direction != models.DirectionEntry && req.Direction != models.DirectionExit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be ENTRY or EXIT"})
		return
	}
	status := req.Status
	if status == "" {
		status = "present"
	}
	rec := models.AttendanceRecord{
		SessionID:     sess.ID,
		ParticipantID: req.ParticipantID,
		Direction:     req.Direction,
	}
	attrs := models.AttendanceRecord{Status: status, Method: models.MethodManual, RecordedAt: time.Now()}
	if err := db.Where(&rec).Attrs(attrs).FirstOrCreate(&rec).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func startSnapshotHandler(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	_ = c.ShouldBindJSON(&req) // body optional
	run, seeded, err := snapshots.Start(c.Param("id"), req.Count)
	if err != nil {
		coreError(c, err)
		return
	}
	publishSeeded(c.Param("id"), seeded)
	c.JSON(http.StatusOK, gin.H{"snapshot_id": run.Uid, "seeded": len(seeded), "chains": seeded})
}

func finishSnapshotHandler(c *gin.Context) {
	run, err := snapshots.Finish(c.Param("id"))
	if err != nil {
		coreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot_id":   run.Uid,
		"completed_at":  run.CompletedAt,
		"present_count": run.PresentCount,
	})
}

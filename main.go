package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"estafet/pkg/estafet"
	"estafet/pkg/event"

	"github.com/gin-gonic/gin"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("config error:", err)
	}
	secret := cfg.JWTSecret
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	// Support a lightweight migrate command: `./estafet migrate`
	// It runs AutoMigrate and seeding then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB(cfg)
		fmt.Println("migration and seeding completed")
		return
	}

	initDB(cfg)
	setupCore(cfg)
	startNotifyLog()

	r := gin.Default()
	setupRoutes(r)

	r.Run(cfg.Addr)
}

// setupCore wires the protocol components against the open DB handle.
func setupCore(cfg *Config) {
	core := cfg.coreConfig()
	bus = event.NewBus()
	tokenStore = estafet.NewTokenStore(db)
	chainMgr = estafet.NewChainManager(db, tokenStore, core)
	challenges = estafet.NewChallengeIssuer(db, core.ChallengeTTL)
	scanProc = estafet.NewScanProcessor(db, tokenStore, chainMgr, challenges, bus)
	snapshots = estafet.NewSnapshotCoordinator(db, chainMgr, bus)
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}

package main

import (
	"log"

	"estafet/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB

func initDB(cfg *Config) {
	var err error
	if cfg.DBDSN == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	if cfg.DBAutoMigrate {
		migrateDB(db)
	}
	seedDB(db)
}

// migrateDB runs AutoMigrate per model so a failure on one doesn't block the
// others. Roles go first so the users FK can be applied safely.
func migrateDB(gdb *gorm.DB) {
	if err := gdb.AutoMigrate(&models.Role{}); err != nil {
		log.Printf("migration warning (roles): %v", err)
	}
	seedRoles(gdb)
	steps := []struct {
		name  string
		model any
	}{
		{"users", &models.User{}},
		{"refresh_tokens", &models.RefreshToken{}},
		{"sessions", &models.Session{}},
		{"enrollments", &models.Enrollment{}},
		{"snapshot_runs", &models.SnapshotRun{}},
		{"chains", &models.Chain{}},
		{"tokens", &models.Token{}},
		{"attendance_records", &models.AttendanceRecord{}},
		{"transfer_entries", &models.TransferEntry{}},
	}
	for _, s := range steps {
		if err := gdb.AutoMigrate(s.model); err != nil {
			log.Printf("migration warning (%s): %v", s.name, err)
		}
	}
}

func seedRoles(gdb *gorm.DB) {
	roles := []models.Role{
		{Name: string(models.RoleOperator), Description: "runs sessions, seeds and closes chains"},
		{Name: string(models.RoleParticipant), Description: "regular participant"},
	}
	for _, r := range roles {
		var cnt int64
		gdb.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			gdb.Create(&r)
		}
	}
}

func seedDB(gdb *gorm.DB) {
	seedRoles(gdb)

	// Seed a default operator account if none exists.
	var count int64
	gdb.Model(&models.User{}).Where("username = ?", "operator").Count(&count)
	if count == 0 {
		var role models.Role
		if err := gdb.Where("name = ?", string(models.RoleOperator)).First(&role).Error; err != nil {
			log.Printf("failed to find operator role: %v", err)
		}
		rid := role.ID
		op := models.User{Username: "operator", RoleID: &rid}
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("operator123"), bcrypt.DefaultCost)
		op.HashedPassword = hashedPassword
		gdb.Create(&op)
		log.Println("Seeded operator user: username=operator, password=operator123")
	}
}

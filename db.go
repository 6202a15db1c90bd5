package main

import (
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mayur1518990-code/projects-sub000/models"
)

func initDB() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	if shouldMigrate {
		migrateAll(db)
	}
	seedDB(db)
	return db
}

// migrateAll migrates models individually so a failure on one doesn't block others.
// Roles go first and get seeded immediately so the users FK can be applied safely.
func migrateAll(db *gorm.DB) {
	if err := db.AutoMigrate(&models.Role{}); err != nil {
		log.Printf("migration warning (roles): %v", err)
	}
	seedRoles(db)
	if err := db.AutoMigrate(&models.User{}); err != nil {
		log.Printf("migration warning (users): %v", err)
	}
	if err := db.AutoMigrate(&models.FileRecord{}); err != nil {
		log.Printf("migration warning (file_records): %v", err)
	}
	if err := db.AutoMigrate(&models.PaymentRecord{}); err != nil {
		log.Printf("migration warning (payment_records): %v", err)
	}
	if err := db.AutoMigrate(&models.CompletedFile{}); err != nil {
		log.Printf("migration warning (completed_files): %v", err)
	}
	if err := db.AutoMigrate(&models.AssignmentLog{}); err != nil {
		log.Printf("migration warning (assignment_logs): %v", err)
	}
}

func seedRoles(db *gorm.DB) {
	roles := []models.Role{
		{Name: "administrator", Description: "full access"},
		{Name: "agent", Description: "processes paid files"},
		{Name: "user", Description: "regular user"},
	}
	for _, r := range roles {
		var cnt int64
		db.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			db.Create(&r)
		}
	}
}

func seedDB(db *gorm.DB) {
	seedRoles(db)

	// Check if admin user exists
	var count int64
	db.Model(&models.User{}).Where("username = ?", "admin").Count(&count)
	if count == 0 {
		var role models.Role
		if err := db.Where("name = ?", "administrator").First(&role).Error; err != nil {
			log.Printf("failed to find administrator role: %v", err)
		}
		rid := role.ID
		admin := models.User{
			Username: "admin",
			RoleID:   &rid,
			Active:   true,
		}
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
		admin.HashedPassword = hashedPassword
		db.Create(&admin)
		log.Println("Seeded admin user: username=admin, password=admin123")
	}
}

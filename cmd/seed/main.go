// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev student (dev-student) already exists.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	"device-trust-plane/internal/config"
	"device-trust-plane/internal/db"
)

const devStudentUsername = "dev-student"

type sampleUser struct {
	id           string
	username     string
	role         string
	isFirstLogin bool
	maxDevices   int
}

var sampleUsers = []sampleUser{
	{id: "dev-user-001", username: devStudentUsername, role: "student", isFirstLogin: true},
	{id: "dev-user-002", username: "dev-student-2", role: "student", isFirstLogin: false},
	{id: "dev-user-003", username: "dev-teacher", role: "teacher", isFirstLogin: false},
	{id: "dev-user-004", username: "dev-admin", role: "administrator", isFirstLogin: false},
	// Proctored-lab account allowed a single device only.
	{id: "dev-user-005", username: "dev-lab-student", role: "student", isFirstLogin: false, maxDevices: 1},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()

	var existing string
	err = conn.QueryRowContext(ctx, `SELECT id FROM users WHERE username = $1`, devStudentUsername).Scan(&existing)
	if err == nil {
		log.Println("Seed already applied (dev-student exists). Skipping.")
		os.Exit(0)
	}
	if err != sql.ErrNoRows {
		log.Fatalf("seed check: %v", err)
	}

	now := time.Now().UTC()
	for _, u := range sampleUsers {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO users (id, username, role, is_active, is_first_login, max_device_count, created_at)
			VALUES ($1, $2, $3, TRUE, $4, $5, $6)`,
			u.id, u.username, u.role, u.isFirstLogin, u.maxDevices, now,
		); err != nil {
			log.Fatalf("create user %s: %v", u.username, err)
		}
	}

	log.Println("Seed completed successfully.")
	log.Printf("Sample users: %s, dev-student-2, dev-teacher, dev-admin, dev-lab-student", devStudentUsername)
}

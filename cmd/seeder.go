package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample data for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlxDB, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlxDB.Close()

		db, err := initGorm(sqlxDB)
		if err != nil {
			log.Fatalf("failed to init orm: %v", err)
		}

		if clearData {
			for _, table := range []string{"audit_entries", "idempotency_records", "approval_steps", "overtime_requests", "approval_chain_steps", "users"} {
				if err := db.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing data")
		}

		password := "password"
		hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

		users := []struct {
			Email      string
			Name       string
			Role       string
			Department string
		}{
			{"dimas@mail.com", "Dimas", "employee", "engineering"},
			{"sari@mail.com", "Sari", "supervisor", "engineering"},
			{"bayu@mail.com", "Bayu", "manager", "engineering"},
			{"ratna@mail.com", "Ratna", "hr", "people"},
		}

		for _, u := range users {
			var exists int
			row := db.Raw("SELECT 1 FROM users WHERE email = ?", u.Email).Row()
			if err := row.Scan(&exists); err == nil {
				fmt.Printf("user %s already exists, skipping\n", u.Email)
				continue
			}
			if err := db.Exec(
				"INSERT INTO users (email, name, password_hash, role, department, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, true, now(), now())",
				u.Email, u.Name, string(hash), u.Role, u.Department,
			).Error; err != nil {
				log.Fatalf("failed to insert user %s: %v", u.Email, err)
			}
			fmt.Println("Seeded user:", u.Email)
		}

		// Engineering approval chain: supervisor then manager then HR.
		chain := []struct {
			Department string
			StepOrder  int
			Role       string
		}{
			{"engineering", 1, "supervisor"},
			{"engineering", 2, "manager"},
			{"engineering", 3, "hr"},
		}

		for _, step := range chain {
			var exists int
			row := db.Raw("SELECT 1 FROM approval_chain_steps WHERE department = ? AND step_order = ?", step.Department, step.StepOrder).Row()
			if err := row.Scan(&exists); err == nil {
				continue
			}
			if err := db.Exec(
				"INSERT INTO approval_chain_steps (department, step_order, approver_role, created_at) VALUES (?, ?, ?, now())",
				step.Department, step.StepOrder, step.Role,
			).Error; err != nil {
				log.Fatalf("failed to insert chain step: %v", err)
			}
			fmt.Printf("Seeded chain step %d for %s\n", step.StepOrder, step.Department)
		}

		fmt.Println("Seeding complete")
	},
}

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/cmd/api"
	"github.com/triptales/triptales-server/cmd/models"
	"github.com/triptales/triptales-server/cmd/utils"
	"github.com/triptales/triptales-server/db"
	"github.com/triptales/triptales-server/pkg/logging"
)

func main() {
	initLogging()
	defer zap.L().Sync()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			runMigrations()
			return
		case "clear-db":
			runDatabaseClear()
			return
		default:
			log.Fatalf("Unknown command: %s", os.Args[1])
		}
	}

	startServer()
}

func initLogging() {
	cfg := logging.Config{
		FilePath:   os.Getenv("LOG_PATH"),
		Level:      os.Getenv("LOG_LEVEL"),
		Dev:        os.Getenv("APP_ENV") != "production",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
	if cfg.FilePath == "" {
		cfg.FilePath = "logs/server.log"
	}
	if raw := os.Getenv("LOG_MAX_SIZE_MB"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.MaxSizeMB = n
		}
	}
	if err := logging.Init(cfg); err != nil {
		log.Fatalf("Logger initialization error: %v", err)
	}
}

func runMigrations() {
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	defer func() {
		sqlDB, _ := DB.DB()
		sqlDB.Close()
		zap.L().Info("database connection closed")
	}()
	zap.L().Info("connected to the database for migrations")

	if err := performMigrations(DB); err != nil {
		log.Fatalf("Migration error: %v", err)
	}
	zap.L().Info("migrations completed successfully")
}

func performMigrations(DB *gorm.DB) error {
	migrations := map[interface{}]string{
		&models.User{}:            "User",
		&models.Group{}:           "Group",
		&models.GroupMembership{}: "GroupMembership",
		&models.GroupInvite{}:     "GroupInvite",
		&models.DiaryPost{}:       "DiaryPost",
		&models.PostMedia{}:       "PostMedia",
		&models.Comment{}:         "Comment",
		&models.Like{}:            "Like",
		&models.Badge{}:           "Badge",
		&models.UserBadge{}:       "UserBadge",
	}

	zap.L().Info("starting database migrations")
	for model, name := range migrations {
		if err := DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("error migrating %s table: %w", name, err)
		}
		zap.L().Info("migration successful", zap.String("table", name))
	}

	// Re-inviting after a decline must work, so uniqueness only applies to
	// pending invites.
	if err := DB.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invites_pending
		 ON group_invites (group_id, invited_user_id)
		 WHERE status = 'pending'`).Error; err != nil {
		return fmt.Errorf("error creating pending invite index: %w", err)
	}

	directories := []string{
		utils.MediaPath,
		"logs",
	}
	for _, dir := range directories {
		if err := createDirectoryIfNotExist(dir); err != nil {
			log.Fatalf("Error creating directory %s: %v", dir, err)
		}
	}

	return nil
}

func createDirectoryIfNotExist(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("could not create directory %s: %w", path, err)
		}
	}
	return nil
}

func startServer() {
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	defer func() {
		sqlDB, _ := DB.DB()
		sqlDB.Close()
		zap.L().Info("database connection closed")
	}()
	zap.L().Info("connected to the database")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	server := api.NewApiServer(":"+port, DB)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-quit
	zap.L().Info("shutting down server")
}

func runDatabaseClear() {
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	defer func() {
		sqlDB, _ := DB.DB()
		sqlDB.Close()
	}()

	var confirmation string
	fmt.Print("Are you sure you want to clear the database? (yes/no): ")
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		zap.L().Info("database clearing cancelled")
		return
	}

	tables := []interface{}{
		&models.UserBadge{},
		&models.Badge{},
		&models.Like{},
		&models.Comment{},
		&models.PostMedia{},
		&models.DiaryPost{},
		&models.GroupInvite{},
		&models.GroupMembership{},
		&models.Group{},
		&models.User{},
	}
	for _, table := range tables {
		if err := DB.Migrator().DropTable(table); err != nil {
			zap.L().Warn("failed to drop table", zap.String("table", fmt.Sprintf("%T", table)), zap.Error(err))
		}
	}
	zap.L().Info("database cleared")
}

package db

import (
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func NewPSQLStorage() (*gorm.DB, error) {

	// .env is optional; deployments may provide DB_URL directly.
	_ = godotenv.Load()

	connString := os.Getenv("DB_URL")

	// TranslateError lets callers detect uniqueness violations through
	// gorm.ErrDuplicatedKey; membership and badge awards rely on it.
	db, err := gorm.Open(postgres.Open(connString), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)

	sqlDB.SetMaxIdleConns(25)

	return db, nil
}

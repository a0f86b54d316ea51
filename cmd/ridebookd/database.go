package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/ridebook/internal/store/gormstore"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	defaultSQLiteFile = "ridebook.db"
)

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	dialector := sqlite.Open(sqlitePath)
	if driver == driverPostgres {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// SQLite allows a single writer; one connection keeps transactions from colliding.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

// resolveDriver picks the gorm dialect for dsn. PostgreSQL URLs are passed through untouched;
// sqlite:// URLs and bare paths become a local SQLite file whose directory is created on demand.
func resolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	scheme, _, hasScheme := strings.Cut(trimmed, "://")
	if !hasScheme {
		sqlitePath, err := normalizeSQLitePath(trimmed)
		return driverSQLite, sqlitePath, err
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return driverPostgres, "", nil
	case driverSQLite:
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		sqlitePath, err := normalizeSQLitePath(parsed.Host + parsed.Path)
		return driverSQLite, sqlitePath, err
	default:
		return "", "", fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

func normalizeSQLitePath(path string) (string, error) {
	switch path {
	case ":memory:":
		return path, nil
	case "", "/":
		path = defaultSQLiteFile
	}
	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	return cleaned, nil
}

// prepareSchema migrates SQLite databases on open. PostgreSQL schemas are managed with the
// migrate command.
func prepareSchema(ctx context.Context, db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, dsn string) (*gormstore.Store, func() error, error) {
	db, cleanup, driver, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(ctx, db, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(db), cleanup, nil
}

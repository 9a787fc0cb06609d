// Package util provides shared helpers for the postgres integration tests.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/roastops/roastd/pkg/database"
)

var (
	sharedCfg     database.Config
	containerOnce sync.Once
	containerErr  error
)

// PostgresConfig returns a database.Config pointing at a per-test postgres
// database, migrated and ready.
// In CI (when CI_POSTGRES_HOST is set): connects to an external postgres
// service container. In local dev: spins up a shared testcontainer once per
// package. Each test gets its own freshly created database, dropped on
// cleanup.
func PostgresConfig(t *testing.T) database.Config {
	base := getOrCreateSharedPostgres(t)
	dbName := generateDatabaseName(t)

	admin, err := stdsql.Open("pgx", base.DSN())
	require.NoError(t, err)
	_, err = admin.ExecContext(context.Background(), "CREATE DATABASE "+dbName)
	require.NoError(t, err)
	t.Logf("Created test database: %s", dbName)

	t.Cleanup(func() {
		_, err := admin.ExecContext(context.Background(),
			"DROP DATABASE IF EXISTS "+dbName+" WITH (FORCE)")
		if err != nil {
			t.Logf("Warning: failed to drop database %s: %v", dbName, err)
		}
		_ = admin.Close()
	})

	cfg := base
	cfg.Database = dbName
	return cfg
}

// NewPostgresClient creates a migrated client on a per-test database.
func NewPostgresClient(t *testing.T) *database.Client {
	client, err := database.NewClient(context.Background(), PostgresConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func getOrCreateSharedPostgres(t *testing.T) database.Config {
	if host := os.Getenv("CI_POSTGRES_HOST"); host != "" {
		t.Log("Using external postgres from CI_POSTGRES_HOST")
		port := 5432
		if v := os.Getenv("CI_POSTGRES_PORT"); v != "" {
			p, err := strconv.Atoi(v)
			require.NoError(t, err, "invalid CI_POSTGRES_PORT")
			port = p
		}
		return database.Config{
			Type:         database.DialectPostgres,
			Host:         host,
			Port:         port,
			User:         getEnvOr("CI_POSTGRES_USER", "postgres"),
			Password:     getEnvOr("CI_POSTGRES_PASSWORD", "postgres"),
			Database:     getEnvOr("CI_POSTGRES_DB", "postgres"),
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		}
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared postgres testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		host, err := pgContainer.Host(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to resolve container host: %w", err)
			return
		}
		mapped, err := pgContainer.MappedPort(ctx, "5432/tcp")
		if err != nil {
			containerErr = fmt.Errorf("failed to resolve container port: %w", err)
			return
		}

		sharedCfg = database.Config{
			Type:         database.DialectPostgres,
			Host:         host,
			Port:         mapped.Int(),
			User:         "test",
			Password:     "test",
			Database:     "test",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		}
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedCfg
}

// generateDatabaseName creates a unique, postgres-safe database name.
// Format: test_<sanitized_test_name>_<random_hex>
func generateDatabaseName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random database suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

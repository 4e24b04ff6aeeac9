package backends

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgreSQLBackend is a database/sql pool over pgx.
type PostgreSQLBackend struct {
	DB     *sql.DB
	Config PostgreSQLConfig

	Migrator *Migrator
	Health   *HealthChecker
}

// PostgreSQLConfig holds PostgreSQL-specific configuration. URL, when set,
// takes precedence over the discrete connection fields.
type PostgreSQLConfig struct {
	URL             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *PostgreSQLConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Database == "" {
		c.Database = "replyclaw"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 4
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// PostgreSQLURL returns the connection URL for config. Credentials are
// escaped, so passwords may contain any character.
func PostgreSQLURL(config PostgreSQLConfig) string {
	if config.URL != "" {
		return config.URL
	}
	config.applyDefaults()
	u := url.URL{
		Scheme: "postgres",
		Host:   config.Host + ":" + strconv.Itoa(config.Port),
		Path:   "/" + config.Database,
	}
	if config.User != "" {
		if config.Password != "" {
			u.User = url.UserPassword(config.User, config.Password)
		} else {
			u.User = url.User(config.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", config.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenPostgreSQL parses the connection settings with pgx, opens a pool and
// verifies it with a ping.
func OpenPostgreSQL(config PostgreSQLConfig) (*PostgreSQLBackend, error) {
	config.applyDefaults()

	connCfg, err := pgx.ParseConfig(PostgreSQLURL(config))
	if err != nil {
		return nil, fmt.Errorf("parse postgresql config: %w", err)
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	if _, ok := connCfg.RuntimeParams["application_name"]; !ok {
		connCfg.RuntimeParams["application_name"] = "replyclaw"
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s@%s:%d/%s: %w", connCfg.User, connCfg.Host, connCfg.Port, connCfg.Database, err)
	}

	config.Host, config.Port, config.Database = connCfg.Host, int(connCfg.Port), connCfg.Database
	return &PostgreSQLBackend{
		DB:       db,
		Config:   config,
		Migrator: newMigrator(db, postgresDialect),
		Health:   NewHealthChecker(db, "SELECT version()"),
	}, nil
}

// Close closes the database connection.
func (b *PostgreSQLBackend) Close() error {
	return b.DB.Close()
}

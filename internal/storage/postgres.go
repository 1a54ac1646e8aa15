package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mikeyg42/streamplayer/internal/logging"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"` // disable, require, verify-ca, verify-full
	Table           string        `yaml:"table"`
	MaxConnections  int           `yaml:"maxConnections"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

func (c *PostgresConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.Table == "" {
		c.Table = "player_fields"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 5
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// DSN builds the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	c.setDefaults()
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// Postgres stores fields in one table keyed by name.
type Postgres struct {
	db    *sqlx.DB
	table string
	log   logging.Logger
}

type fieldRow struct {
	Name      string    `db:"name"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NewPostgres connects, configures the pool and creates the table.
func NewPostgres(ctx context.Context, cfg PostgresConfig, log logging.Logger) (*Postgres, error) {
	cfg.setDefaults()

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{
		db:    db,
		table: pq.QuoteIdentifier(cfg.Table),
		log:   logging.OrGlobal(log).Named("postgres"),
	}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	p.log.Info("connected to postgres", logging.String("host", cfg.Host), logging.String("table", cfg.Table))
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, p.table)
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) Get(ctx context.Context, name string) (string, bool, error) {
	var row fieldRow
	err := p.db.GetContext(ctx, &row, fmt.Sprintf(`SELECT name, value, updated_at FROM %s WHERE name = $1`, p.table), name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres get %s: %w", name, describe(err))
	}
	return row.Value, true, nil
}

func (p *Postgres) Set(ctx context.Context, name, value string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (name, value, updated_at) VALUES (:name, :value, :updated_at)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, p.table)
	_, err := p.db.NamedExecContext(ctx, query, fieldRow{Name: name, Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", name, describe(err))
	}
	return nil
}

// describe adds the SQLSTATE class to driver errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}

func (p *Postgres) HealthCheck(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                          { return p.db.Close() }

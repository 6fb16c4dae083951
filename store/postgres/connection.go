package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connection is a migrated pgx pool.
type Connection struct {
	*pgxpool.Pool
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Connection, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}

	if err := Migrate(conf); err != nil {
		pool.Close()
		return nil, err
	}

	return &Connection{Pool: pool}, nil
}

// Migrate applies the embedded schema over a short-lived database/sql
// handle built from conf.
func Migrate(conf *pgxpool.Config) error {
	db := migrationDB(conf)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// migrationDB wraps the pool's connection settings for goose. It opens no
// connection until first use.
func migrationDB(conf *pgxpool.Config) *sql.DB {
	return stdlib.OpenDB(*conf.ConnConfig.Copy())
}

func (c *Connection) Close() error {
	if c.Pool != nil {
		c.Pool.Close()
	}
	return nil
}

func (c *Connection) Ping(ctx context.Context) error {
	if c.Pool == nil {
		return errors.New("connection pool is nil")
	}
	return c.Pool.Ping(ctx)
}

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/bgentry/que-go"
	"github.com/jackc/pgx"
	_ "github.com/lib/pq"

	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/conf"
	"github.com/jagveer-loky/ab2d/log"
)

// Variable substitution to support testing.
var LogFatal = log.Worker.Fatal

// Connection returns a pooled connection to the main database referenced by
// DATABASE_URL.
func Connection() *sql.DB {
	db, err := sql.Open("postgres", conf.GetEnv("DATABASE_URL"))
	if err != nil {
		LogFatal(err)
	}
	if err := db.Ping(); err != nil {
		LogFatal(err)
	}

	db.SetMaxOpenConns(utils.GetEnvInt("AB2D_DB_MAX_OPEN_CONNS", 40))
	db.SetMaxIdleConns(utils.GetEnvInt("AB2D_DB_MAX_IDLE_CONNS", 20))
	db.SetConnMaxLifetime(time.Duration(utils.GetEnvInt("AB2D_DB_CONN_MAX_LIFETIME_MIN", 5)) * time.Minute)

	return db
}

// QueuePool returns a pgx pool against the queue database with que's
// prepared statements installed on every connection.
func QueuePool(databaseURL string) (*pgx.ConnPool, error) {
	cfg, err := pgx.ParseURI(databaseURL)
	if err != nil {
		return nil, err
	}

	return pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:   cfg,
		AfterConnect: que.PrepareStatements,
	})
}

// StartHealthCheck periodically verifies that the pool can produce usable
// connections, logging failures until the context is cancelled.
func StartHealthCheck(ctx context.Context, pool *pgx.ConnPool, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn, err := pool.Acquire()
				if err != nil {
					log.Worker.Warnf("queue database health check failed to acquire connection: %s", err)
					continue
				}
				if err := conn.Ping(ctx); err != nil {
					log.Worker.Warnf("queue database health check ping failed: %s", err)
				}
				pool.Release(conn)
			}
		}
	}()
}

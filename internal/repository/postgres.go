// Package repository содержит реализации хранилища заказов, остатков и платежей.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	txRetryBase = 50 * time.Millisecond
	txRetryMax  = 3
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresRepository)(nil)

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithTx выполняет fn в транзакции READ COMMITTED. Транзакция повторяется целиком
// при serialization failure и deadlock, поэтому fn не должна иметь внешних побочных эффектов.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	backoff := retry.WithMaxRetries(txRetryMax, retry.NewExponential(txRetryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.runTx(ctx, fn)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *PostgresRepository) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return &beginError{err: err}
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

type beginError struct {
	err error
}

func (e *beginError) Error() string { return "begin tx: " + e.err.Error() }
func (e *beginError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	// Если ошибка контекста, выходим сразу
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	// Сетевые ошибки повторяем, только если транзакция не успела начаться.
	var be *beginError
	return errors.As(err, &be) && isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

type pgTx struct {
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

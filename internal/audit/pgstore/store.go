// Package pgstore persiste el audit log en PostgreSQL (pgx).
//
// Cada evento es un único INSERT, por lo que un REVOKED es visible para
// HasRevocation en cuanto el commit del statement termina.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
	migrations "github.com/dropDatabas3/consentvault/migrations/postgres"
)

// Config de conexión.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	// EnsureSchema aplica las migraciones embebidas al conectar.
	EnsureSchema bool
}

type Store struct {
	pool  *pgxpool.Pool
	owned bool
}

var _ audit.Store = (*Store)(nil)

// New abre un pool nuevo; Close lo cierra.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pgstore: empty DSN")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
		pcfg.MaxConnIdleTime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: pool: %w", err)
	}

	log := logger.Named("audit.pgstore")
	// Arranque no bloqueante: el ping sólo informa.
	if err := pool.Ping(ctx); err != nil {
		log.Warn("pg pool startup ping failed", logger.Err(err))
	} else {
		log.Info("pg pool ready", zap.Int32("max_conns", pcfg.MaxConns))
	}

	s := &Store{pool: pool, owned: true}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewFromPool usa un pool existente; Close no lo cierra.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema aplica las migraciones de migrations/postgres/audit.
func (s *Store) EnsureSchema(ctx context.Context) error {
	res, err := NewMigrator(migrations.AuditFS, migrations.AuditDir).Run(ctx, s.pool)
	if err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	logger.Named("audit.pgstore").Info("audit schema ready",
		zap.Ints("applied", res.Applied),
		zap.Ints("skipped", res.Skipped),
		logger.Duration(res.Duration))
	return nil
}

// Pool expone el pool interno (healthchecks/stats).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Driver() string { return "postgres" }

const insertEvent = `
INSERT INTO audit_events (event_id, event_type, stream_id, actor, occurred_at, detail, seal)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, insertEvent,
		e.ID, string(e.Type), e.SubjectID, e.Actor, e.Timestamp, detail, e.Seal)
	if err != nil {
		return fmt.Errorf("pgstore: insert: %w", err)
	}
	return nil
}

func (s *Store) HasRevocation(ctx context.Context, subjectID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_events WHERE stream_id = $1 AND event_type = 'REVOKED')`,
		subjectID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("pgstore: revocation lookup: %w", err)
	}
	return ok, nil
}

const selectStream = `
SELECT event_id, event_type, stream_id, actor, occurred_at, detail, seal
FROM audit_events
WHERE stream_id = $1
ORDER BY occurred_at, seq`

// History recorre las filas a medida que el caller itera.
func (s *Store) History(ctx context.Context, subjectID string) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		rows, err := s.pool.Query(ctx, selectStream, subjectID)
		if err != nil {
			yield(audit.Event{}, fmt.Errorf("pgstore: history: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e   audit.Event
				typ string
			)
			if err := rows.Scan(&e.ID, &typ, &e.SubjectID, &e.Actor, &e.Timestamp, &e.Detail, &e.Seal); err != nil {
				yield(audit.Event{}, fmt.Errorf("pgstore: scan: %w", err))
				return
			}
			e.Type = audit.EventType(typ)
			e.Timestamp = e.Timestamp.UTC()
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(audit.Event{}, fmt.Errorf("pgstore: rows: %w", err))
		}
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close cierra el pool si fue creado por New (idempotente).
func (s *Store) Close() error {
	if s != nil && s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Package store persists the registered service set and last-known health
// across daemon restarts. Dispatch history is deliberately not stored.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/pkg/api"
)

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// SaveDescriptors replaces the stored service set. Registration order is
// kept so a reload can replay dependencies-first.
func (s *Store) SaveDescriptors(ctx context.Context, descs []registry.Descriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM services`); err != nil {
		return fmt.Errorf("clear services: %w", err)
	}
	for i, d := range descs {
		deps, err := json.Marshal(d.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal deps for %s: %w", d.Name, err)
		}
		exec, err := json.Marshal(d.Exec)
		if err != nil {
			return fmt.Errorf("marshal exec for %s: %w", d.Name, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO services (name, address, transport, auth_token_ref, timeout_ms, retry_budget, depends_on, exec_spec, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Name, d.Address, d.Transport, d.AuthTokenRef, d.Timeout.Milliseconds(), d.RetryBudget, string(deps), string(exec), i)
		if err != nil {
			return fmt.Errorf("insert %s: %w", d.Name, err)
		}
	}
	return tx.Commit()
}

// LoadDescriptors returns the stored service set in registration order.
func (s *Store) LoadDescriptors(ctx context.Context) ([]registry.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, address, transport, auth_token_ref, timeout_ms, retry_budget, depends_on, exec_spec
		FROM services ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var out []registry.Descriptor
	for rows.Next() {
		var d registry.Descriptor
		var timeoutMS int64
		var deps, exec string
		if err := rows.Scan(&d.Name, &d.Address, &d.Transport, &d.AuthTokenRef, &timeoutMS, &d.RetryBudget, &deps, &exec); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		d.Timeout = time.Duration(timeoutMS) * time.Millisecond
		if err := json.Unmarshal([]byte(deps), &d.DependsOn); err != nil {
			return nil, fmt.Errorf("parse deps for %s: %w", d.Name, err)
		}
		if err := json.Unmarshal([]byte(exec), &d.Exec); err != nil {
			return nil, fmt.Errorf("parse exec for %s: %w", d.Name, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertHealth records the last-known health of one service.
func (s *Store) UpsertHealth(ctx context.Context, h api.ServiceHealth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_health (name, state, last_probe, consecutive_failures)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			last_probe = excluded.last_probe,
			consecutive_failures = excluded.consecutive_failures`,
		h.Name, string(h.State), h.LastProbe.UnixMilli(), h.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("upsert health for %s: %w", h.Name, err)
	}
	return nil
}

// ListHealth returns the last-known health of all stored services.
func (s *Store) ListHealth(ctx context.Context) ([]api.ServiceHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, state, last_probe, consecutive_failures FROM service_health ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query health: %w", err)
	}
	defer rows.Close()

	var out []api.ServiceHealth
	for rows.Next() {
		var h api.ServiceHealth
		var state string
		var probeMS int64
		if err := rows.Scan(&h.Name, &state, &probeMS, &h.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan health: %w", err)
		}
		h.State = api.HealthState(state)
		h.LastProbe = time.UnixMilli(probeMS)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

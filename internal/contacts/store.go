// Package contacts provides PostgreSQL-backed storage for saved contacts.
// A contact row records that one identity saved another; contacts survive
// reconnects and identity churn on the other side of a chat.
package contacts

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Contact is one saved-contact row.
type Contact struct {
	Owner   string    `json:"owner_id"`
	Contact string    `json:"contact_id"`
	SavedAt time.Time `json:"saved_at"`
}

// Store manages contacts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("contacts: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("contacts: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("contacts: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("contacts: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("contacts: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("contacts: migrate up: %w", err)
	}
	return nil
}

// Save records that owner saved contact. Returns true when the row was newly
// inserted and false when the pair already existed; saving is idempotent.
func (s *Store) Save(ctx context.Context, owner, contact string) (bool, error) {
	const query = `
		INSERT INTO contacts (owner_id, contact_id)
		VALUES ($1, $2)
		ON CONFLICT (owner_id, contact_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, owner, contact)
	if err != nil {
		return false, fmt.Errorf("contacts: save: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("contacts: save rows: %w", err)
	}
	return n > 0, nil
}

// List returns the identities owner has saved, oldest first.
func (s *Store) List(ctx context.Context, owner string) ([]string, error) {
	const query = `
		SELECT contact_id
		FROM contacts
		WHERE owner_id = $1
		ORDER BY saved_at`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("contacts: list: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("contacts: list scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Watchers returns the identities that have saved the given identity as a
// contact. Presence fan-out uses this reverse lookup to find who should hear
// about the identity going online or offline.
func (s *Store) Watchers(ctx context.Context, contact string) ([]string, error) {
	const query = `
		SELECT owner_id
		FROM contacts
		WHERE contact_id = $1`

	rows, err := s.db.QueryContext(ctx, query, contact)
	if err != nil {
		return nil, fmt.Errorf("contacts: watchers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("contacts: watchers scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

package booking

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists booking records in SQLite. It implements Consumer.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection so an in-memory database is shared by every query
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS bookings (
		id           TEXT PRIMARY KEY,
		submitted_at INTEGER NOT NULL,
		name         TEXT NOT NULL,
		email        TEXT NOT NULL,
		mobile       TEXT NOT NULL,
		branch       TEXT NOT NULL,
		service      TEXT NOT NULL,
		hair_length  TEXT NOT NULL,
		date         TEXT NOT NULL,
		time         TEXT NOT NULL,
		remarks      TEXT DEFAULT ''
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Consume inserts rec. A duplicate id is an error.
func (s *Store) Consume(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO bookings
		(id, submitted_at, name, email, mobile, branch, service, hair_length, date, time, remarks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SubmittedAt.UnixMilli(), rec.Name, rec.Email, rec.Mobile,
		rec.Branch, rec.Service, rec.HairLength, rec.Date, rec.Time, rec.Remarks)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// List returns all records, oldest submission first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, submitted_at, name, email, mobile, branch,
		service, hair_length, date, time, remarks FROM bookings ORDER BY submitted_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			ms      int64
			remarks sql.NullString
		)
		if err := rows.Scan(&rec.ID, &ms, &rec.Name, &rec.Email, &rec.Mobile, &rec.Branch,
			&rec.Service, &rec.HairLength, &rec.Date, &rec.Time, &remarks); err != nil {
			return nil, err
		}
		rec.SubmittedAt = time.UnixMilli(ms).UTC()
		rec.Remarks = remarks.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

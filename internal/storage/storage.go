// Package storage keeps an append-only SQLite log of delivered price alerts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/polyalert/internal/models"
)

// AlertRecord is a stored alert. It carries copies of the market fields
// needed to render it later.
type AlertRecord struct {
	ID            string
	MarketID      string
	Slug          string
	Question      string
	OutcomeIndex  int
	Outcome       string
	OldPrice      float64
	NewPrice      float64
	ChangePercent float64
	CreatedAt     time.Time
	Delivered     bool
}

// Storage wraps a SQLite database holding the alert history.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/polyalert/history.db.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polyalert", "history.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			market_id       TEXT NOT NULL,
			slug            TEXT,
			question        TEXT,
			outcome_index   INTEGER NOT NULL,
			outcome         TEXT NOT NULL,
			old_price       REAL NOT NULL,
			new_price       REAL NOT NULL,
			change_percent  REAL NOT NULL,
			created_at      INTEGER NOT NULL,
			delivered       INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_market ON alerts(market_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddAlerts records a cycle's alerts in one transaction. delivered[i] reports
// whether alerts[i] reached the sink; missing entries count as not delivered.
func (s *Storage) AddAlerts(alerts []models.PriceAlert, delivered []bool) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO alerts
			(id, market_id, slug, question, outcome_index, outcome,
			 old_price, new_price, change_percent, created_at, delivered)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, a := range alerts {
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		var slug string
		if a.Market != nil {
			slug = a.Market.Slug
		}
		if _, err := stmt.Exec(
			id, a.MarketID(), slug, a.Question(), a.OutcomeIndex, a.Outcome,
			a.OldPrice, a.NewPrice, a.ChangePercent, a.CreatedAt.UnixNano(), boolToInt(i < len(delivered) && delivered[i]),
		); err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
	}

	return tx.Commit()
}

// RecentAlerts returns up to k alerts, newest first.
func (s *Storage) RecentAlerts(k int) ([]AlertRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, market_id, slug, question, outcome_index, outcome,
		       old_price, new_price, change_percent, created_at, delivered
		FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var records []AlertRecord
	for rows.Next() {
		var r AlertRecord
		var slug, question sql.NullString
		var createdAtNano int64
		var delivered int

		err := rows.Scan(
			&r.ID, &r.MarketID, &slug, &question, &r.OutcomeIndex, &r.Outcome,
			&r.OldPrice, &r.NewPrice, &r.ChangePercent, &createdAtNano, &delivered,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		r.Slug = slug.String
		r.Question = question.String
		r.CreatedAt = time.Unix(0, createdAtNano)
		r.Delivered = delivered != 0
		records = append(records, r)
	}

	return records, rows.Err()
}

// CountAlerts returns the number of stored alerts.
func (s *Storage) CountAlerts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// RotateAlerts keeps at most maxAlerts newest alerts by created_at.
func (s *Storage) RotateAlerts() error {
	if s.maxAlerts <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, s.maxAlerts)
	if err != nil {
		return fmt.Errorf("failed to rotate alerts: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/refs"
)

// SQLiteStore persists evidence packets in a local SQLite database. The
// address is the primary key, so the first writer wins at the schema level.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("evidence: open sqlite %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_packets (
		address TEXT PRIMARY KEY,
		suite_id TEXT NOT NULL,
		candidate_id TEXT NOT NULL,
		stage_id TEXT NOT NULL,
		status TEXT NOT NULL,
		body BLOB NOT NULL,
		stored_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_candidate
		ON evidence_packets (candidate_id, suite_id, stage_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, packet *contracts.EvidencePacket, declared refs.ContentAddress) (refs.ContentAddress, error) {
	data, addr, err := encode(packet)
	if err != nil {
		return "", err
	}
	if err := checkDeclared(addr, declared); err != nil {
		return "", err
	}
	// ON CONFLICT DO NOTHING keeps the first write; identical content maps
	// to the same address so the duplicate insert is a no-op.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence_packets (address, suite_id, candidate_id, stage_id, status, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO NOTHING`,
		addr.String(), packet.SuiteID, packet.CandidateID, packet.StageID,
		string(packet.Status), data, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("evidence: sqlite put %s: %w", addr, err)
	}
	return addr, nil
}

func (s *SQLiteStore) Get(ctx context.Context, addr refs.ContentAddress) (*contracts.EvidencePacket, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM evidence_packets WHERE address = ?`, addr.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: sqlite get %s: %w", addr, err)
	}
	return decodeVerified(body, addr)
}

func (s *SQLiteStore) Has(ctx context.Context, addr refs.ContentAddress) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM evidence_packets WHERE address = ?`, addr.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("evidence: sqlite has %s: %w", addr, err)
	}
	return true, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

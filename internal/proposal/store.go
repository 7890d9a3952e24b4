package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/templetwo/temple-bridge/internal/derive"
)

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists proposals in SQLite. Pending proposals survive restarts:
// the resumption point is a row with status pending.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (or creates) the proposal database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open proposal store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			source_dir TEXT NOT NULL,
			target_dir TEXT NOT NULL,
			schema TEXT NOT NULL,
			snapshot_digest TEXT NOT NULL,
			metrics TEXT NOT NULL DEFAULT '{}',
			reversibility REAL NOT NULL,
			dissent TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			decided_at TEXT NOT NULL DEFAULT '',
			approver TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			execution TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init proposal schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts p. If a proposal with the same ID exists it is returned
// unchanged along with created=false.
func (s *Store) Create(ctx context.Context, p *Proposal) (stored *Proposal, created bool, err error) {
	if p.ID == "" || p.Schema == nil {
		return nil, false, errors.New("proposal id and schema are required")
	}
	if !p.Status.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidState, p.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.get(ctx, p.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	schema, err := json.Marshal(p.Schema)
	if err != nil {
		return nil, false, fmt.Errorf("encode schema: %w", err)
	}
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return nil, false, fmt.Errorf("encode metrics: %w", err)
	}
	dissent, err := json.Marshal(nonNil(p.Dissent))
	if err != nil {
		return nil, false, fmt.Errorf("encode dissent: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO proposals
		(id, source_dir, target_dir, schema, snapshot_digest, metrics, reversibility, dissent, status, created_at, decided_at, approver, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SourceDir, p.TargetDir, string(schema), p.SnapshotDigest, string(metrics),
		p.Reversibility, string(dissent), string(p.Status), p.CreatedAt.Format(timeLayout),
		formatTime(p.DecidedAt), p.Approver, p.Reason)
	if err != nil {
		return nil, false, fmt.Errorf("insert proposal %s: %w", p.ID, err)
	}
	return p, true, nil
}

// Get returns the proposal with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// List returns proposals with any of the given statuses (all when none are
// given), oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectColumns
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Decision carries the bookkeeping recorded with a status change.
type Decision struct {
	Approver  string
	Reason    string
	Execution *ExecutionSummary
}

// Transition moves the proposal to status to. Leaving pending twice yields
// ErrAlreadyDecided; any other edge outside the lifecycle yields
// ErrInvalidState. The stored proposal is unchanged on error.
func (s *Store) Transition(ctx context.Context, id string, to Status, d Decision) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(to) {
		if (to == StatusApproved || to == StatusRejected) && p.Status.Decided() {
			return p, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, p.Status)
		}
		return p, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidState, id, p.Status, to)
	}

	from := p.Status
	p.Status = to
	if to == StatusApproved || to == StatusRejected {
		at := s.now()
		p.DecidedAt = &at
		p.Approver = d.Approver
		p.Reason = d.Reason
	}
	execution := ""
	if d.Execution != nil {
		p.Execution = d.Execution
		b, err := json.Marshal(d.Execution)
		if err != nil {
			return nil, fmt.Errorf("encode execution: %w", err)
		}
		execution = string(b)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE proposals
		SET status = ?, decided_at = ?, approver = ?, reason = ?, execution = CASE WHEN ? = '' THEN execution ELSE ? END
		WHERE id = ? AND status = ?`,
		string(to), formatTime(p.DecidedAt), p.Approver, p.Reason, execution, execution, id, string(from))
	if err != nil {
		return nil, fmt.Errorf("update proposal %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrInvalidState, id)
	}
	return p, nil
}

const selectColumns = `SELECT id, source_dir, target_dir, schema, snapshot_digest, metrics, reversibility,
	dissent, status, created_at, decided_at, approver, reason, execution FROM proposals`

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (*Proposal, error) {
	var p Proposal
	var schema, metrics, dissent, status, created, decided, execution string
	if err := row.Scan(&p.ID, &p.SourceDir, &p.TargetDir, &schema, &p.SnapshotDigest, &metrics,
		&p.Reversibility, &dissent, &status, &created, &decided, &p.Approver, &p.Reason, &execution); err != nil {
		return nil, err
	}

	p.Schema = &derive.Schema{}
	if err := json.Unmarshal([]byte(schema), p.Schema); err != nil {
		return nil, fmt.Errorf("decode schema of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(metrics), &p.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(dissent), &p.Dissent); err != nil {
		return nil, fmt.Errorf("decode dissent of %s: %w", p.ID, err)
	}
	if execution != "" {
		p.Execution = &ExecutionSummary{}
		if err := json.Unmarshal([]byte(execution), p.Execution); err != nil {
			return nil, fmt.Errorf("decode execution of %s: %w", p.ID, err)
		}
	}
	p.Status = Status(status)

	var err error
	if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("decode created_at of %s: %w", p.ID, err)
	}
	if decided != "" {
		at, err := time.Parse(timeLayout, decided)
		if err != nil {
			return nil, fmt.Errorf("decode decided_at of %s: %w", p.ID, err)
		}
		p.DecidedAt = &at
	}
	return &p, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

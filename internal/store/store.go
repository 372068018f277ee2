// Package store wraps SQLite access for reports, solutions, and candidates.
// All multi-step effects (candidate replacement, confirmation,
// acknowledgment) run inside a single transaction; status transitions are
// guarded UPDATEs so concurrent callers race on the row, not in Go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Report statuses. Status only advances along the state machine edges,
// except the explicit ANALYZING -> OPEN revert on orchestration failure.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusAnalyzing        Status = "ANALYZING"
	StatusPendingReview    Status = "PENDING_REVIEW"
	StatusPendingConductor Status = "PENDING_CONDUCTOR"
	StatusResolved         Status = "RESOLVED"
)

// Report urgencies.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// ValidUrgency reports whether u is one of the closed enumeration values.
func ValidUrgency(u Urgency) bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Solution provenance labels.
const (
	SourceHighConfidence = "vector-search-high-confidence"
	SourcePartialMatch   = "vector-search-partial-match"
	SourceLLMGenerated   = "llm-generated"
	SourceFallback       = "fallback-template"
)

// Report is an incident filed by a conductor.
type Report struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Content     string    `json:"content"`
	Location    string    `json:"location"`
	Urgency     Urgency   `json:"urgency"`
	Status      Status    `json:"status"`
	ImageRefs   []string  `json:"image_refs"`
	ConductorID string    `json:"conductor_id"`
	ReviewerID  *string   `json:"reviewer_id,omitempty"`
	TrainID     *string   `json:"train_id,omitempty"`
}

// SolutionCandidate is a ranked proposal awaiting human selection. The full
// set for a report exists only while the report is PENDING_REVIEW.
type SolutionCandidate struct {
	ID              string    `json:"id"`
	ReportID        string    `json:"report_id"`
	Rank            int       `json:"rank"`
	SourceID        string    `json:"source_id"`
	Action          string    `json:"action"`
	Detail          string    `json:"detail"`
	Score           float64   `json:"score"`
	AvgDelay        *int      `json:"avg_delay,omitempty"`
	TimesUsed       *int      `json:"times_used,omitempty"`
	RetrievalMethod string    `json:"retrieval_method"`
	CreatedAt       time.Time `json:"created_at"`
}

// RetrievedSource records one exemplar that informed a solution.
type RetrievedSource struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Action string  `json:"action"`
}

// Solution is the confirmed remediation for a report. At most one exists per
// report; the UNIQUE constraint on report_id enforces it even under races.
type Solution struct {
	ID               string            `json:"id"`
	ReportID         string            `json:"report_id"`
	Title            string            `json:"title"`
	Steps            string            `json:"steps"`
	Confidence       float64           `json:"confidence"`
	Source           string            `json:"source"`
	RetrievalMethod  string            `json:"retrieval_method"`
	EmbeddingModel   *string           `json:"embedding_model,omitempty"`
	SimilarityScore  *float64          `json:"similarity_score,omitempty"`
	RetrievedSources []RetrievedSource `json:"retrieved_sources"`
	ConfirmedAt      *time.Time        `json:"confirmed_at,omitempty"`
	AcknowledgedAt   *time.Time        `json:"acknowledged_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Store wraps SQLite access.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Serialized writes; SQLite handles one writer at a time anyway.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			content TEXT NOT NULL,
			location TEXT,
			urgency TEXT NOT NULL,
			status TEXT NOT NULL,
			image_refs_json TEXT,
			conductor_id TEXT NOT NULL,
			reviewer_id TEXT,
			train_id TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS solutions (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL UNIQUE REFERENCES reports(id),
			title TEXT NOT NULL,
			steps TEXT NOT NULL,
			confidence REAL NOT NULL,
			source TEXT NOT NULL,
			retrieval_method TEXT,
			embedding_model TEXT,
			similarity_score REAL,
			retrieved_sources_json TEXT,
			confirmed_at TIMESTAMP,
			acknowledged_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS solution_candidates (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL REFERENCES reports(id),
			rank INTEGER NOT NULL,
			source_id TEXT,
			action TEXT NOT NULL,
			detail TEXT,
			score REAL NOT NULL,
			avg_delay INTEGER,
			times_used INTEGER,
			retrieval_method TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_report ON solution_candidates(report_id, rank);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Health returns err if the DB is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

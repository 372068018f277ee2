package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"railops/internal/fault"
)

// GetSolutionByReport returns the report's solution or nil when none exists.
func (s *Store) GetSolutionByReport(ctx context.Context, reportID string) (*Solution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, report_id, title, steps, confidence, source, retrieval_method, embedding_model, similarity_score, retrieved_sources_json, confirmed_at, acknowledged_at, created_at
		FROM solutions WHERE report_id=?`, reportID)
	sol, err := scanSolution(row)
	switch err {
	case nil:
		return sol, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fault.Persistence("get solution", err)
	}
}

// ConfirmCandidate materializes the final solution in one atomic unit:
// insert the solution, delete every candidate for the report (not just the
// chosen one), and advance PENDING_REVIEW -> PENDING_CONDUCTOR recording the
// reviewer. A solution that already exists surfaces as Conflict via the
// UNIQUE report_id constraint.
func (s *Store) ConfirmCandidate(ctx context.Context, sol *Solution, reviewerID string, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Persistence("begin confirm", err)
	}
	defer tx.Rollback()

	if err := insertSolution(ctx, tx, sol); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM solution_candidates WHERE report_id=?`, sol.ReportID); err != nil {
		return fault.Persistence("delete candidates", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, reviewer_id=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusPendingConductor), reviewerID, ts, sol.ReportID, string(StatusPendingReview))
	if err != nil {
		return fault.Persistence("advance to conductor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Conflictf("report %s is not pending review", sol.ReportID)
	}
	if err := tx.Commit(); err != nil {
		return fault.Persistence("commit confirm", err)
	}
	return nil
}

// InsertDirectSolution stores a solution authored by the degraded
// direct-generation mode and moves the report ANALYZING -> RESOLVED.
func (s *Store) InsertDirectSolution(ctx context.Context, sol *Solution, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Persistence("begin direct solution", err)
	}
	defer tx.Rollback()

	if err := insertSolution(ctx, tx, sol); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusResolved), ts, sol.ReportID, string(StatusAnalyzing))
	if err != nil {
		return fault.Persistence("resolve report", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Conflictf("report %s is not being analyzed", sol.ReportID)
	}
	if err := tx.Commit(); err != nil {
		return fault.Persistence("commit direct solution", err)
	}
	return nil
}

// AcknowledgeSolution stamps acknowledged_at exactly once and moves the
// report PENDING_CONDUCTOR -> RESOLVED, atomically. A second call conflicts
// on the report guard; the acknowledged_at IS NULL guard backs the
// at-most-once invariant independently.
func (s *Store) AcknowledgeSolution(ctx context.Context, reportID string, ts time.Time) (*Solution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Persistence("begin acknowledge", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusResolved), ts, reportID, string(StatusPendingConductor))
	if err != nil {
		return nil, fault.Persistence("resolve report", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fault.Conflictf("report %s is not awaiting acknowledgment", reportID)
	}
	res, err = tx.ExecContext(ctx, `UPDATE solutions SET acknowledged_at=? WHERE report_id=? AND acknowledged_at IS NULL`, ts, reportID)
	if err != nil {
		return nil, fault.Persistence("acknowledge solution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fault.Conflictf("solution for report %s already acknowledged", reportID)
	}
	row := tx.QueryRowContext(ctx, `SELECT id, report_id, title, steps, confidence, source, retrieval_method, embedding_model, similarity_score, retrieved_sources_json, confirmed_at, acknowledged_at, created_at
		FROM solutions WHERE report_id=?`, reportID)
	sol, err := scanSolution(row)
	if err != nil {
		return nil, fault.Persistence("reload solution", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Persistence("commit acknowledge", err)
	}
	return sol, nil
}

func insertSolution(ctx context.Context, tx *sql.Tx, sol *Solution) error {
	sources, _ := json.Marshal(sol.RetrievedSources)
	_, err := tx.ExecContext(ctx, `INSERT INTO solutions(id, report_id, title, steps, confidence, source, retrieval_method, embedding_model, similarity_score, retrieved_sources_json, confirmed_at, acknowledged_at, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sol.ID, sol.ReportID, sol.Title, sol.Steps, sol.Confidence, sol.Source, sol.RetrievalMethod, sol.EmbeddingModel, sol.SimilarityScore, string(sources), sol.ConfirmedAt, sol.AcknowledgedAt, sol.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Conflictf("report %s already has a solution", sol.ReportID)
		}
		return fault.Persistence("insert solution", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanSolution(row rowScanner) (*Solution, error) {
	var sol Solution
	var method, model, sourcesJSON sql.NullString
	var similarity sql.NullFloat64
	var confirmed, acknowledged sql.NullTime
	if err := row.Scan(&sol.ID, &sol.ReportID, &sol.Title, &sol.Steps, &sol.Confidence, &sol.Source, &method, &model, &similarity, &sourcesJSON, &confirmed, &acknowledged, &sol.CreatedAt); err != nil {
		return nil, err
	}
	sol.RetrievalMethod = method.String
	if model.Valid {
		sol.EmbeddingModel = &model.String
	}
	if similarity.Valid {
		sol.SimilarityScore = &similarity.Float64
	}
	if sourcesJSON.Valid && sourcesJSON.String != "" {
		_ = json.Unmarshal([]byte(sourcesJSON.String), &sol.RetrievedSources)
	}
	if confirmed.Valid {
		sol.ConfirmedAt = &confirmed.Time
	}
	if acknowledged.Valid {
		sol.AcknowledgedAt = &acknowledged.Time
	}
	return &sol, nil
}

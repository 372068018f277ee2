package store

import (
	"context"
	"database/sql"
	"time"

	"railops/internal/fault"
)

// ReplaceCandidates swaps the full candidate set for a report and moves the
// report ANALYZING -> PENDING_REVIEW, all in one transaction. Candidates for
// a report therefore exist exactly while the report is PENDING_REVIEW.
func (s *Store) ReplaceCandidates(ctx context.Context, reportID string, cands []SolutionCandidate, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Persistence("begin replace candidates", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM solution_candidates WHERE report_id=?`, reportID); err != nil {
		return fault.Persistence("clear candidates", err)
	}
	for _, c := range cands {
		if _, err := tx.ExecContext(ctx, `INSERT INTO solution_candidates(id, report_id, rank, source_id, action, detail, score, avg_delay, times_used, retrieval_method, created_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.ReportID, c.Rank, c.SourceID, c.Action, c.Detail, c.Score, c.AvgDelay, c.TimesUsed, c.RetrievalMethod, c.CreatedAt); err != nil {
			return fault.Persistence("insert candidate", err)
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusPendingReview), ts, reportID, string(StatusAnalyzing))
	if err != nil {
		return fault.Persistence("advance to review", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Conflictf("report %s is not being analyzed", reportID)
	}
	if err := tx.Commit(); err != nil {
		return fault.Persistence("commit candidates", err)
	}
	return nil
}

// ListCandidates returns the candidate set ordered by rank ascending.
func (s *Store) ListCandidates(ctx context.Context, reportID string) ([]SolutionCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, report_id, rank, source_id, action, detail, score, avg_delay, times_used, retrieval_method, created_at
		FROM solution_candidates WHERE report_id=? ORDER BY rank ASC`, reportID)
	if err != nil {
		return nil, fault.Persistence("list candidates", err)
	}
	defer rows.Close()
	var out []SolutionCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fault.Persistence("scan candidate", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetCandidate returns the candidate or nil when it does not exist.
func (s *Store) GetCandidate(ctx context.Context, id string) (*SolutionCandidate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, report_id, rank, source_id, action, detail, score, avg_delay, times_used, retrieval_method, created_at
		FROM solution_candidates WHERE id=?`, id)
	c, err := scanCandidate(row)
	switch err {
	case nil:
		return c, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fault.Persistence("get candidate", err)
	}
}

func scanCandidate(row rowScanner) (*SolutionCandidate, error) {
	var c SolutionCandidate
	var sourceID, detail, method sql.NullString
	var avgDelay, timesUsed sql.NullInt64
	if err := row.Scan(&c.ID, &c.ReportID, &c.Rank, &sourceID, &c.Action, &detail, &c.Score, &avgDelay, &timesUsed, &method, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.SourceID = sourceID.String
	c.Detail = detail.String
	c.RetrievalMethod = method.String
	if avgDelay.Valid {
		v := int(avgDelay.Int64)
		c.AvgDelay = &v
	}
	if timesUsed.Valid {
		v := int(timesUsed.Int64)
		c.TimesUsed = &v
	}
	return &c, nil
}

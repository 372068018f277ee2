package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"railops/internal/fault"
)

// CreateReport inserts a fully-populated report row.
func (s *Store) CreateReport(ctx context.Context, r *Report) error {
	refs, _ := json.Marshal(r.ImageRefs)
	_, err := s.db.ExecContext(ctx, `INSERT INTO reports(id, created_at, updated_at, content, location, urgency, status, image_refs_json, conductor_id, reviewer_id, train_id)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.CreatedAt, r.UpdatedAt, r.Content, r.Location, string(r.Urgency), string(r.Status), string(refs), r.ConductorID, r.ReviewerID, r.TrainID)
	if err != nil {
		return fault.Persistence("insert report", err)
	}
	return nil
}

// GetReport returns the report or nil when it does not exist.
func (s *Store) GetReport(ctx context.Context, id string) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at, updated_at, content, location, urgency, status, image_refs_json, conductor_id, reviewer_id, train_id
		FROM reports WHERE id=?`, id)
	r, err := scanReport(row)
	switch err {
	case nil:
		return r, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fault.Persistence("get report", err)
	}
}

// ListReports returns newest-first up to limit.
func (s *Store) ListReports(ctx context.Context, limit int) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, updated_at, content, location, urgency, status, image_refs_json, conductor_id, reviewer_id, train_id
		FROM reports ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fault.Persistence("list reports", err)
	}
	defer rows.Close()
	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fault.Persistence("scan report", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// TransitionStatus moves a report from one status to another in a single
// guarded UPDATE. It reports false when the report was not in `from`, which
// doubles as the mutual-exclusion gate for concurrent operations.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to Status, ts time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), ts, id, string(from))
	if err != nil {
		return false, fault.Persistence("transition status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Persistence("transition status", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	var r Report
	var refsJSON, location, reviewer, train sql.NullString
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt, &r.Content, &location, &r.Urgency, &r.Status, &refsJSON, &r.ConductorID, &reviewer, &train); err != nil {
		return nil, err
	}
	r.Location = location.String
	if reviewer.Valid {
		r.ReviewerID = &reviewer.String
	}
	if train.Valid {
		r.TrainID = &train.String
	}
	if refsJSON.Valid && refsJSON.String != "" {
		_ = json.Unmarshal([]byte(refsJSON.String), &r.ImageRefs)
	}
	return &r, nil
}

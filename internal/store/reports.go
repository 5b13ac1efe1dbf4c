package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"boostchat/internal/models"
)

// CreateReport inserts a ticket pointing at its backing conversation.
func (s *Store) CreateReport(ctx context.Context, reporter, orderKey, subject string, conversationID int64) (*models.Report, error) {
	if reporter == "" {
		return nil, errors.New("reporter is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (reporter, order_key, subject, status, conversation_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		reporter, orderKey, subject, models.ReportOpen, conversationID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("report id: %w", err)
	}
	return &models.Report{
		ID:             id,
		Reporter:       reporter,
		OrderKey:       orderKey,
		Subject:        subject,
		Status:         models.ReportOpen,
		ConversationID: conversationID,
		CreatedAt:      now,
	}, nil
}

// GetReport loads one report.
func (s *Store) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	var r models.Report
	err := s.db.QueryRowContext(ctx,
		`SELECT id, reporter, order_key, subject, status, conversation_id, created_at FROM reports WHERE id = ?`, id,
	).Scan(&r.ID, &r.Reporter, &r.OrderKey, &r.Subject, &r.Status, &r.ConversationID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &r, nil
}

// ListReports returns all reports, newest first.
func (s *Store) ListReports(ctx context.Context) ([]*models.Report, error) {
	return s.queryReports(ctx,
		`SELECT id, reporter, order_key, subject, status, conversation_id, created_at
		FROM reports ORDER BY created_at DESC, id DESC`)
}

// ListReportsByReporter returns the reporter's own tickets, newest first.
func (s *Store) ListReportsByReporter(ctx context.Context, reporter string) ([]*models.Report, error) {
	return s.queryReports(ctx,
		`SELECT id, reporter, order_key, subject, status, conversation_id, created_at
		FROM reports WHERE reporter = ? ORDER BY created_at DESC, id DESC`, reporter)
}

// ResolveReport flips status to resolved. Idempotent.
func (s *Store) ResolveReport(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ? WHERE id = ?`, models.ReportResolved, id,
	)
	if err != nil {
		return fmt.Errorf("resolve report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve rows affected: %w", err)
	}
	if affected == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]*models.Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.Reporter, &r.OrderKey, &r.Subject, &r.Status, &r.ConversationID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

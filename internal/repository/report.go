package repository

import (
	"context"
	"fmt"
	"time"

	"habit-marathon/internal/model"
)

// ReportStore handles daily checklist persistence in PostgreSQL.
type ReportStore struct {
	db DBTX
}

// ReplaceDay deletes the day's rows, then inserts the new ones.
func (r *ReportStore) ReplaceDay(ctx context.Context, accountID int64, day time.Time, rows []model.DailyModuleReport) error {
	const deleteQuery = `
		DELETE FROM daily_module_reports
		WHERE account_id = $1 AND report_date = $2::date
	`
	if _, err := r.db.Exec(ctx, deleteQuery, accountID, day); err != nil {
		return fmt.Errorf("failed to clear daily report: %w", mapError(err))
	}

	const insertQuery = `
		INSERT INTO daily_module_reports (account_id, report_date, module, item_key, is_done, created_at)
		VALUES ($1, $2::date, $3, $4, $5, NOW())
	`
	for _, row := range rows {
		if _, err := r.db.Exec(ctx, insertQuery, accountID, day, row.Module, row.ItemKey, row.IsDone); err != nil {
			return fmt.Errorf("failed to insert daily report row: %w", mapError(err))
		}
	}
	return nil
}

// ForDay returns the account's rows for one day.
func (r *ReportStore) ForDay(ctx context.Context, accountID int64, day time.Time) ([]model.DailyModuleReport, error) {
	const query = `
		SELECT account_id, report_date, module, item_key, is_done
		FROM daily_module_reports
		WHERE account_id = $1 AND report_date = $2::date
		ORDER BY id ASC
	`
	rows, err := r.db.Query(ctx, query, accountID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily report: %w", err)
	}
	defer rows.Close()

	var out []model.DailyModuleReport
	for rows.Next() {
		var rep model.DailyModuleReport
		if err := rows.Scan(&rep.AccountID, &rep.ReportDate, &rep.Module, &rep.ItemKey, &rep.IsDone); err != nil {
			return nil, fmt.Errorf("failed to scan daily report row: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// Totals counts done and total rows between from and to inclusive.
func (r *ReportStore) Totals(ctx context.Context, accountID int64, from, to time.Time) (int, int, error) {
	const query = `
		SELECT COUNT(*) FILTER (WHERE is_done), COUNT(*)
		FROM daily_module_reports
		WHERE account_id = $1 AND report_date BETWEEN $2::date AND $3::date
	`
	var done, total int
	if err := r.db.QueryRow(ctx, query, accountID, from, to).Scan(&done, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to count daily report rows: %w", err)
	}
	return done, total, nil
}

// ReportedAccounts returns the set of account IDs with rows on day.
func (r *ReportStore) ReportedAccounts(ctx context.Context, day time.Time) (map[int64]bool, error) {
	const query = `
		SELECT DISTINCT account_id FROM daily_module_reports WHERE report_date = $1::date
	`
	rows, err := r.db.Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("failed to list reported accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

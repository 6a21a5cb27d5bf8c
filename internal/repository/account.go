package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"habit-marathon/internal/model"
)

// AccountStore handles account persistence in PostgreSQL.
type AccountStore struct {
	db DBTX
}

const accountColumns = `
	id, telegram_id, username, first_name, status,
	payment_status, is_paid, payment_confirmed_at,
	registration_completed, full_name, location, age, goal, pains, expectations,
	modules, habits, sports, reading_book, reading_task, reminder_hours,
	program_start_date, program_length_days,
	points, current_streak, streak_freeze_used, missed_days_count, last_report_date,
	day_base_points, day_base_streak, day_base_freeze_used, day_base_missed,
	certificate_issued, certificate_code,
	device_fingerprint, device_bound_at,
	created_at, updated_at`

func scanAccount(row scanner) (*model.Account, error) {
	var (
		acc                                    model.Account
		paymentStatus                          string
		modules, habits, sports, reminderHours []byte
	)
	err := row.Scan(
		&acc.ID, &acc.TelegramID, &acc.Username, &acc.FirstName, &acc.Status,
		&paymentStatus, &acc.IsPaid, &acc.PaymentConfirmedAt,
		&acc.RegistrationCompleted, &acc.FullName, &acc.Location, &acc.Age, &acc.Goal, &acc.Pains, &acc.Expectations,
		&modules, &habits, &sports, &acc.ReadingBook, &acc.ReadingTask, &reminderHours,
		&acc.ProgramStartDate, &acc.ProgramLengthDays,
		&acc.Points, &acc.CurrentStreak, &acc.StreakFreezeUsed, &acc.MissedDaysCount, &acc.LastReportDate,
		&acc.DayBasePoints, &acc.DayBaseStreak, &acc.DayBaseFreezeUsed, &acc.DayBaseMissed,
		&acc.CertificateIssued, &acc.CertificateCode,
		&acc.DeviceFingerprint, &acc.DeviceBoundAt,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.PaymentStatus = model.PaymentStatus(paymentStatus)

	for _, f := range []struct {
		raw  []byte
		dest any
	}{
		{modules, &acc.Modules},
		{habits, &acc.Habits},
		{sports, &acc.Sports},
		{reminderHours, &acc.ReminderHours},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return nil, fmt.Errorf("failed to decode account %d json column: %w", acc.ID, err)
		}
	}
	return &acc, nil
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

// GetOrCreate retrieves an account by Telegram ID, creating one if it doesn't exist.
func (r *AccountStore) GetOrCreate(ctx context.Context, telegramID int64, username, firstName string) (*model.Account, bool, error) {
	const query = `
		INSERT INTO accounts (telegram_id, username, first_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_id) DO NOTHING
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRow(ctx, query, telegramID, username, firstName))
	if err == nil {
		return acc, true, nil
	}
	if err = mapError(err); !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	// Another request created it first.
	acc, err = r.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	return acc, false, nil
}

// GetByTelegramID retrieves an account by Telegram ID.
// Returns ErrNotFound if the account does not exist.
func (r *AccountStore) GetByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE telegram_id = $1`, telegramID)
}

// GetByTelegramIDForUpdate is GetByTelegramID with a row lock held until commit.
func (r *AccountStore) GetByTelegramIDForUpdate(ctx context.Context, telegramID int64) (*model.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE telegram_id = $1 FOR UPDATE`, telegramID)
}

// GetByID retrieves an account by its internal ID.
func (r *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

func (r *AccountStore) getOne(ctx context.Context, query string, arg int64) (*model.Account, error) {
	acc, err := scanAccount(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// UpdateProfile writes identity, registration, plan and device fields.
func (r *AccountStore) UpdateProfile(ctx context.Context, acc *model.Account) error {
	const query = `
		UPDATE accounts SET
			username = $2, first_name = $3, status = $4,
			registration_completed = $5, full_name = $6, location = $7, age = $8,
			goal = $9, pains = $10, expectations = $11,
			modules = $12, habits = $13, sports = $14,
			reading_book = $15, reading_task = $16, reminder_hours = $17,
			device_fingerprint = $18, device_bound_at = $19,
			updated_at = NOW()
		WHERE id = $1
	`
	modules, err := marshalJSON(acc.Modules)
	if err != nil {
		return fmt.Errorf("failed to encode modules: %w", err)
	}
	habits, err := marshalJSON(acc.Habits)
	if err != nil {
		return fmt.Errorf("failed to encode habits: %w", err)
	}
	sports, err := marshalJSON(acc.Sports)
	if err != nil {
		return fmt.Errorf("failed to encode sports: %w", err)
	}
	hours, err := marshalJSON(acc.ReminderHours)
	if err != nil {
		return fmt.Errorf("failed to encode reminder hours: %w", err)
	}

	tag, err := r.db.Exec(ctx, query,
		acc.ID, acc.Username, acc.FirstName, acc.Status,
		acc.RegistrationCompleted, acc.FullName, acc.Location, acc.Age,
		acc.Goal, acc.Pains, acc.Expectations,
		string(modules), string(habits), string(sports),
		acc.ReadingBook, acc.ReadingTask, string(hours),
		acc.DeviceFingerprint, acc.DeviceBoundAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account profile: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress writes scoring aggregates.
func (r *AccountStore) UpdateProgress(ctx context.Context, acc *model.Account) error {
	const query = `
		UPDATE accounts SET
			points = $2, current_streak = $3, streak_freeze_used = $4,
			missed_days_count = $5, last_report_date = $6,
			certificate_issued = $7, certificate_code = $8,
			day_base_points = $9, day_base_streak = $10,
			day_base_freeze_used = $11, day_base_missed = $12,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		acc.ID, acc.Points, acc.CurrentStreak, acc.StreakFreezeUsed,
		acc.MissedDaysCount, acc.LastReportDate,
		acc.CertificateIssued, acc.CertificateCode,
		acc.DayBasePoints, acc.DayBaseStreak, acc.DayBaseFreezeUsed, acc.DayBaseMissed,
	)
	if err != nil {
		return fmt.Errorf("failed to update account progress: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAdminState writes payment state fields verbatim.
func (r *AccountStore) UpdateAdminState(ctx context.Context, acc *model.Account) error {
	const query = `
		UPDATE accounts SET
			status = $2, payment_status = $3, is_paid = $4,
			payment_confirmed_at = $5, program_start_date = $6,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		acc.ID, acc.Status, string(acc.PaymentStatus), acc.IsPaid,
		acc.PaymentConfirmedAt, acc.ProgramStartDate,
	)
	if err != nil {
		return fmt.Errorf("failed to update account state: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPaid is the conditional paid transition.
func (r *AccountStore) MarkPaid(ctx context.Context, id int64, confirmedAt, startDate, today time.Time) (*model.Account, bool, error) {
	const query = `
		UPDATE accounts SET
			payment_status = 'paid',
			is_paid = TRUE,
			payment_confirmed_at = $2,
			program_start_date = COALESCE(program_start_date, $3::date),
			status = CASE WHEN COALESCE(program_start_date, $3::date) <= $4::date
				THEN 'active' ELSE 'scheduled' END,
			updated_at = NOW()
		WHERE id = $1 AND payment_status <> 'paid'
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRow(ctx, query, id, confirmedAt, startDate, today))
	if err == nil {
		return acc, true, nil
	}
	if err = mapError(err); !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to mark account paid: %w", err)
	}

	acc, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return acc, false, nil
}

// MarkPending moves a not-yet-paid account to pending.
func (r *AccountStore) MarkPending(ctx context.Context, id int64) (bool, error) {
	const query = `
		UPDATE accounts SET
			payment_status = 'pending',
			status = 'awaiting_payment',
			updated_at = NOW()
		WHERE id = $1 AND payment_status <> 'paid'
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark account pending: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

// Leaderboard returns paid accounts ordered by points, then streak.
func (r *AccountStore) Leaderboard(ctx context.Context, limit int) ([]*model.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE payment_status = 'paid'
		ORDER BY points DESC, current_streak DESC, id ASC
		LIMIT $1`
	return r.list(ctx, query, limit)
}

// ListPaid returns every paid account.
func (r *AccountStore) ListPaid(ctx context.Context) ([]*model.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE payment_status = 'paid'
		ORDER BY id ASC`
	return r.list(ctx, query)
}

func (r *AccountStore) list(ctx context.Context, query string, args ...any) ([]*model.Account, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// CountByPaymentStatus returns the number of accounts per payment status.
func (r *AccountStore) CountByPaymentStatus(ctx context.Context) (map[model.PaymentStatus]int, error) {
	const query = `SELECT payment_status, COUNT(*) FROM accounts GROUP BY payment_status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.PaymentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[model.PaymentStatus(status)] = n
	}
	return counts, rows.Err()
}

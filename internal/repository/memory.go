package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"habit-marathon/internal/model"
)

// MemoryStore keeps all data in process memory. Units of work are serialized
// and a failing one is rolled back to the state it started from. It backs
// local runs with database.driver=memory and the service tests.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	accounts      map[int64]*model.Account
	accountsByTG  map[int64]int64
	nextAccountID int64

	txs      map[int64]*model.PaymentTransaction
	txsByKey map[string]int64
	nextTxID int64

	codes      map[string]*model.ActivationCode
	nextCodeID int64

	reports      []model.DailyModuleReport
	achievements []model.UserAchievement

	challenges      []*model.Challenge
	nextChallengeID int64

	referrals      map[int64]model.Referral
	nextReferralID int64

	audit       []*model.AuditRecord
	nextAuditID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty MemoryStore stamping rows with now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now: now,
		state: &memState{
			accounts:     make(map[int64]*model.Account),
			accountsByTG: make(map[int64]int64),
			txs:          make(map[int64]*model.PaymentTransaction),
			txsByKey:     make(map[string]int64),
			codes:        make(map[string]*model.ActivationCode),
			referrals:    make(map[int64]model.Referral),
		},
	}
}

// WithTx runs fn with exclusive access to the store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &Tx{
		Accounts:     &memAccounts{s},
		Ledger:       &memLedger{s},
		Codes:        &memCodes{s},
		Reports:      &memReports{s},
		Achievements: &memAchievements{s},
		Challenges:   &memChallenges{s},
		Referrals:    &memReferrals{s},
		Audit:        &memAudit{s},
	}
	if err := fn(tx); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (st *memState) clone() *memState {
	c := &memState{
		accounts:        make(map[int64]*model.Account, len(st.accounts)),
		accountsByTG:    make(map[int64]int64, len(st.accountsByTG)),
		nextAccountID:   st.nextAccountID,
		txs:             make(map[int64]*model.PaymentTransaction, len(st.txs)),
		txsByKey:        make(map[string]int64, len(st.txsByKey)),
		nextTxID:        st.nextTxID,
		codes:           make(map[string]*model.ActivationCode, len(st.codes)),
		nextCodeID:      st.nextCodeID,
		reports:         append([]model.DailyModuleReport(nil), st.reports...),
		achievements:    append([]model.UserAchievement(nil), st.achievements...),
		nextChallengeID: st.nextChallengeID,
		referrals:       make(map[int64]model.Referral, len(st.referrals)),
		nextReferralID:  st.nextReferralID,
		nextAuditID:     st.nextAuditID,
	}
	for k, v := range st.referrals {
		c.referrals[k] = v
	}
	for id, a := range st.accounts {
		c.accounts[id] = cloneAccount(a)
	}
	for k, v := range st.accountsByTG {
		c.accountsByTG[k] = v
	}
	for id, t := range st.txs {
		cp := *t
		c.txs[id] = &cp
	}
	for k, v := range st.txsByKey {
		c.txsByKey[k] = v
	}
	for k, v := range st.codes {
		cp := *v
		c.codes[k] = &cp
	}
	for _, ch := range st.challenges {
		c.challenges = append(c.challenges, cloneChallenge(ch))
	}
	for _, r := range st.audit {
		cp := *r
		c.audit = append(c.audit, &cp)
	}
	return c
}

func cloneAccount(a *model.Account) *model.Account {
	cp := *a
	cp.Modules = append([]string(nil), a.Modules...)
	cp.Habits = clonePlanItems(a.Habits)
	cp.Sports = clonePlanItems(a.Sports)
	cp.ReminderHours = append([]int(nil), a.ReminderHours...)
	return &cp
}

func clonePlanItems(items []model.PlanItem) []model.PlanItem {
	if items == nil {
		return nil
	}
	out := make([]model.PlanItem, len(items))
	for i, it := range items {
		out[i] = it
		out[i].Days = append([]string(nil), it.Days...)
	}
	return out
}

func cloneChallenge(ch *model.Challenge) *model.Challenge {
	cp := *ch
	cp.Numbers = append([]int(nil), ch.Numbers...)
	cp.Tasks = append([]string(nil), ch.Tasks...)
	return &cp
}

// ============================================================================
// Accounts
// ============================================================================

type memAccounts struct{ s *MemoryStore }

func (r *memAccounts) GetOrCreate(_ context.Context, telegramID int64, username, firstName string) (*model.Account, bool, error) {
	st := r.s.state
	if id, ok := st.accountsByTG[telegramID]; ok {
		return cloneAccount(st.accounts[id]), false, nil
	}
	st.nextAccountID++
	now := r.s.now()
	acc := &model.Account{
		ID:                st.nextAccountID,
		TelegramID:        telegramID,
		Username:          username,
		FirstName:         firstName,
		Status:            model.StatusNew,
		PaymentStatus:     model.PaymentUnpaid,
		ProgramLengthDays: 25,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	st.accounts[acc.ID] = acc
	st.accountsByTG[telegramID] = acc.ID
	return cloneAccount(acc), true, nil
}

func (r *memAccounts) GetByTelegramID(_ context.Context, telegramID int64) (*model.Account, error) {
	id, ok := r.s.state.accountsByTG[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(r.s.state.accounts[id]), nil
}

func (r *memAccounts) GetByTelegramIDForUpdate(ctx context.Context, telegramID int64) (*model.Account, error) {
	return r.GetByTelegramID(ctx, telegramID)
}

func (r *memAccounts) GetByID(_ context.Context, id int64) (*model.Account, error) {
	acc, ok := r.s.state.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(acc), nil
}

func (r *memAccounts) UpdateProfile(_ context.Context, acc *model.Account) error {
	cur, ok := r.s.state.accounts[acc.ID]
	if !ok {
		return ErrNotFound
	}
	in := cloneAccount(acc)
	cur.Username, cur.FirstName, cur.Status = in.Username, in.FirstName, in.Status
	cur.RegistrationCompleted = in.RegistrationCompleted
	cur.FullName, cur.Location, cur.Age = in.FullName, in.Location, in.Age
	cur.Goal, cur.Pains, cur.Expectations = in.Goal, in.Pains, in.Expectations
	cur.Modules, cur.Habits, cur.Sports = in.Modules, in.Habits, in.Sports
	cur.ReadingBook, cur.ReadingTask, cur.ReminderHours = in.ReadingBook, in.ReadingTask, in.ReminderHours
	cur.DeviceFingerprint, cur.DeviceBoundAt = in.DeviceFingerprint, in.DeviceBoundAt
	cur.UpdatedAt = r.s.now()
	return nil
}

func (r *memAccounts) UpdateProgress(_ context.Context, acc *model.Account) error {
	cur, ok := r.s.state.accounts[acc.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Points, cur.CurrentStreak, cur.StreakFreezeUsed = acc.Points, acc.CurrentStreak, acc.StreakFreezeUsed
	cur.MissedDaysCount, cur.LastReportDate = acc.MissedDaysCount, acc.LastReportDate
	cur.CertificateIssued, cur.CertificateCode = acc.CertificateIssued, acc.CertificateCode
	cur.DayBasePoints, cur.DayBaseStreak = acc.DayBasePoints, acc.DayBaseStreak
	cur.DayBaseFreezeUsed, cur.DayBaseMissed = acc.DayBaseFreezeUsed, acc.DayBaseMissed
	cur.UpdatedAt = r.s.now()
	return nil
}

func (r *memAccounts) UpdateAdminState(_ context.Context, acc *model.Account) error {
	cur, ok := r.s.state.accounts[acc.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status, cur.PaymentStatus, cur.IsPaid = acc.Status, acc.PaymentStatus, acc.IsPaid
	cur.PaymentConfirmedAt, cur.ProgramStartDate = acc.PaymentConfirmedAt, acc.ProgramStartDate
	cur.UpdatedAt = r.s.now()
	return nil
}

func (r *memAccounts) MarkPaid(_ context.Context, id int64, confirmedAt, startDate, today time.Time) (*model.Account, bool, error) {
	cur, ok := r.s.state.accounts[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if cur.PaymentStatus == model.PaymentPaid {
		return cloneAccount(cur), false, nil
	}
	cur.PaymentStatus = model.PaymentPaid
	cur.IsPaid = true
	cur.PaymentConfirmedAt = &confirmedAt
	if cur.ProgramStartDate == nil {
		start := startDate
		cur.ProgramStartDate = &start
	}
	if cur.ProgramStartDate.After(today) {
		cur.Status = model.StatusScheduled
	} else {
		cur.Status = model.StatusActive
	}
	cur.UpdatedAt = r.s.now()
	return cloneAccount(cur), true, nil
}

func (r *memAccounts) MarkPending(_ context.Context, id int64) (bool, error) {
	cur, ok := r.s.state.accounts[id]
	if !ok || cur.PaymentStatus == model.PaymentPaid {
		return false, nil
	}
	cur.PaymentStatus = model.PaymentPending
	cur.Status = model.StatusAwaitingPayment
	cur.UpdatedAt = r.s.now()
	return true, nil
}

func (r *memAccounts) paid() []*model.Account {
	var out []*model.Account
	for _, a := range r.s.state.accounts {
		if a.PaymentStatus == model.PaymentPaid {
			out = append(out, cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memAccounts) Leaderboard(_ context.Context, limit int) ([]*model.Account, error) {
	out := r.paid()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].CurrentStreak > out[j].CurrentStreak
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memAccounts) ListPaid(_ context.Context) ([]*model.Account, error) {
	return r.paid(), nil
}

func (r *memAccounts) CountByPaymentStatus(_ context.Context) (map[model.PaymentStatus]int, error) {
	counts := make(map[model.PaymentStatus]int)
	for _, a := range r.s.state.accounts {
		counts[a.PaymentStatus]++
	}
	return counts, nil
}

// ============================================================================
// Ledger
// ============================================================================

type memLedger struct{ s *MemoryStore }

func ledgerKey(provider, providerTransID string) string {
	return provider + "\x00" + providerTransID
}

func (r *memLedger) Find(_ context.Context, provider, providerTransID string) (*model.PaymentTransaction, error) {
	id, ok := r.s.state.txsByKey[ledgerKey(provider, providerTransID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.s.state.txs[id]
	return &cp, nil
}

func (r *memLedger) FindForUpdate(ctx context.Context, provider, providerTransID string) (*model.PaymentTransaction, error) {
	return r.Find(ctx, provider, providerTransID)
}

func (r *memLedger) GetByID(_ context.Context, id int64) (*model.PaymentTransaction, error) {
	t, ok := r.s.state.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memLedger) LatestForAccount(_ context.Context, accountID int64, provider string) (*model.PaymentTransaction, error) {
	var latest *model.PaymentTransaction
	for _, t := range r.s.state.txs {
		if t.AccountID == accountID && t.Provider == provider && (latest == nil || t.ID > latest.ID) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *memLedger) CreateIfAbsent(ctx context.Context, tx *model.PaymentTransaction) (*model.PaymentTransaction, bool, error) {
	key := ledgerKey(tx.Provider, tx.ProviderTransID)
	if _, ok := r.s.state.txsByKey[key]; ok {
		existing, err := r.Find(ctx, tx.Provider, tx.ProviderTransID)
		return existing, false, err
	}
	st := r.s.state
	st.nextTxID++
	now := r.s.now()
	row := *tx
	row.ID = st.nextTxID
	row.CreatedAt = now
	row.UpdatedAt = now
	st.txs[row.ID] = &row
	st.txsByKey[key] = row.ID
	cp := row
	return &cp, true, nil
}

func (r *memLedger) UpdateStatus(_ context.Context, id int64, upd StatusUpdate) (*model.PaymentTransaction, bool, error) {
	t, ok := r.s.state.txs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if len(upd.From) > 0 {
		matched := false
		for _, s := range upd.From {
			if t.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			cp := *t
			return &cp, false, nil
		}
	}
	t.Status = upd.Status
	if upd.Action != nil {
		t.Action = upd.Action
	}
	if upd.ErrorCode != nil {
		t.ErrorCode = upd.ErrorCode
	}
	if upd.SignTime != nil {
		t.SignTime = upd.SignTime
	}
	if upd.CancelReason != nil {
		t.CancelReason = upd.CancelReason
	}
	if t.PerformedAt == nil && upd.PerformedAt != nil {
		at := *upd.PerformedAt
		t.PerformedAt = &at
	}
	if t.CancelledAt == nil && upd.CancelledAt != nil {
		at := *upd.CancelledAt
		t.CancelledAt = &at
	}
	t.UpdatedAt = r.s.now()
	cp := *t
	return &cp, true, nil
}

// ============================================================================
// Activation codes
// ============================================================================

type memCodes struct{ s *MemoryStore }

func (r *memCodes) Create(_ context.Context, code *model.ActivationCode) error {
	st := r.s.state
	if _, ok := st.codes[code.Code]; ok {
		return ErrConflict
	}
	st.nextCodeID++
	code.ID = st.nextCodeID
	code.CreatedAt = r.s.now()
	cp := *code
	st.codes[code.Code] = &cp
	return nil
}

func (r *memCodes) GetForUpdate(_ context.Context, code string) (*model.ActivationCode, error) {
	c, ok := r.s.state.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memCodes) MarkUsed(_ context.Context, id int64, usedBy int64, usedAt time.Time) (bool, error) {
	for _, c := range r.s.state.codes {
		if c.ID != id {
			continue
		}
		if c.IsUsed {
			return false, nil
		}
		c.IsUsed = true
		c.UsedBy = &usedBy
		c.UsedAt = &usedAt
		return true, nil
	}
	return false, nil
}

func (r *memCodes) CountUnused(_ context.Context, now time.Time) (int, error) {
	n := 0
	for _, c := range r.s.state.codes {
		if !c.IsUsed && (c.ExpiresAt == nil || c.ExpiresAt.After(now)) {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Daily reports
// ============================================================================

type memReports struct{ s *MemoryStore }

func (r *memReports) ReplaceDay(_ context.Context, accountID int64, day time.Time, rows []model.DailyModuleReport) error {
	st := r.s.state
	kept := st.reports[:0:0]
	for _, rep := range st.reports {
		if rep.AccountID == accountID && rep.ReportDate.Equal(day) {
			continue
		}
		kept = append(kept, rep)
	}
	seen := make(map[[2]string]bool, len(rows))
	for _, row := range rows {
		k := [2]string{row.Module, row.ItemKey}
		if seen[k] {
			return ErrConflict
		}
		seen[k] = true
		row.AccountID = accountID
		row.ReportDate = day
		kept = append(kept, row)
	}
	st.reports = kept
	return nil
}

func (r *memReports) ForDay(_ context.Context, accountID int64, day time.Time) ([]model.DailyModuleReport, error) {
	var out []model.DailyModuleReport
	for _, rep := range r.s.state.reports {
		if rep.AccountID == accountID && rep.ReportDate.Equal(day) {
			out = append(out, rep)
		}
	}
	return out, nil
}

func (r *memReports) Totals(_ context.Context, accountID int64, from, to time.Time) (int, int, error) {
	done, total := 0, 0
	for _, rep := range r.s.state.reports {
		if rep.AccountID != accountID || rep.ReportDate.Before(from) || rep.ReportDate.After(to) {
			continue
		}
		total++
		if rep.IsDone {
			done++
		}
	}
	return done, total, nil
}

func (r *memReports) ReportedAccounts(_ context.Context, day time.Time) (map[int64]bool, error) {
	out := make(map[int64]bool)
	for _, rep := range r.s.state.reports {
		if rep.ReportDate.Equal(day) {
			out[rep.AccountID] = true
		}
	}
	return out, nil
}

// ============================================================================
// Achievements, challenges, referrals, audit
// ============================================================================

type memAchievements struct{ s *MemoryStore }

func (r *memAchievements) Grant(_ context.Context, a *model.UserAchievement) (bool, error) {
	st := r.s.state
	for _, existing := range st.achievements {
		if existing.AccountID == a.AccountID && existing.Code == a.Code {
			return false, nil
		}
	}
	row := *a
	row.EarnedAt = r.s.now()
	st.achievements = append(st.achievements, row)
	return true, nil
}

func (r *memAchievements) List(_ context.Context, accountID int64) ([]model.UserAchievement, error) {
	var out []model.UserAchievement
	for _, a := range r.s.state.achievements {
		if a.AccountID == accountID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memChallenges struct{ s *MemoryStore }

func (r *memChallenges) Create(_ context.Context, ch *model.Challenge) error {
	st := r.s.state
	st.nextChallengeID++
	ch.ID = st.nextChallengeID
	ch.CreatedAt = r.s.now()
	st.challenges = append(st.challenges, cloneChallenge(ch))
	return nil
}

func (r *memChallenges) CloseActive(_ context.Context, accountID int64) error {
	for _, ch := range r.s.state.challenges {
		if ch.AccountID == accountID && ch.Status == model.ChallengeActive {
			ch.Status = model.ChallengeClosed
		}
	}
	return nil
}

func (r *memChallenges) LatestActive(_ context.Context, accountID int64) (*model.Challenge, error) {
	var latest *model.Challenge
	for _, ch := range r.s.state.challenges {
		if ch.AccountID == accountID && ch.Status == model.ChallengeActive && (latest == nil || ch.ID > latest.ID) {
			latest = ch
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneChallenge(latest), nil
}

type memReferrals struct{ s *MemoryStore }

func (r *memReferrals) Record(_ context.Context, referrerID, invitedID int64) (bool, error) {
	st := r.s.state
	if _, ok := st.referrals[invitedID]; ok {
		return false, nil
	}
	st.nextReferralID++
	st.referrals[invitedID] = model.Referral{
		ID:                 st.nextReferralID,
		ReferrerTelegramID: referrerID,
		InvitedTelegramID:  invitedID,
		CreatedAt:          r.s.now(),
	}
	return true, nil
}

func (r *memReferrals) CountByReferrer(_ context.Context, referrerID int64) (int, error) {
	n := 0
	for _, ref := range r.s.state.referrals {
		if ref.ReferrerTelegramID == referrerID {
			n++
		}
	}
	return n, nil
}

type memAudit struct{ s *MemoryStore }

func (r *memAudit) Append(_ context.Context, rec *model.AuditRecord) error {
	st := r.s.state
	st.nextAuditID++
	rec.ID = st.nextAuditID
	rec.CreatedAt = r.s.now()
	cp := *rec
	st.audit = append(st.audit, &cp)
	return nil
}

func (r *memAudit) LatestByAction(_ context.Context, action string, targetTelegramID int64) (*model.AuditRecord, error) {
	for i := len(r.s.state.audit) - 1; i >= 0; i-- {
		rec := r.s.state.audit[i]
		if rec.Action == action && rec.TargetTelegramID != nil && *rec.TargetTelegramID == targetTelegramID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// AuditActions returns the recorded audit actions in order. Intended for
// inspection in tests and the admin bot.
func (s *MemoryStore) AuditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.state.audit))
	for _, rec := range s.state.audit {
		out = append(out, rec.Action)
	}
	return out
}

// TransactionCount returns the number of ledger rows.
func (s *MemoryStore) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.txs)
}

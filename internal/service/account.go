package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/catalog"
	"habit-marathon/internal/config"
	"habit-marathon/internal/model"
	"habit-marathon/internal/repository"
)

const maxDeviceIDLength = 128

// Identity is the Telegram identity presented by the mini app.
type Identity struct {
	TelegramID int64
	Username   string
	FirstName  string
}

// AccountState summarizes an account for the mini app.
type AccountState struct {
	Account       *model.Account          `json:"-"`
	IsActive      bool                    `json:"is_active"`
	ProgramDay    int                     `json:"day"`
	Level         catalog.Level           `json:"level"`
	Achievements  []model.UserAchievement `json:"achievements"`
	ReferralCount int                     `json:"referral_count"`
}

// PaymentInfo tells the participant how to pay.
type PaymentInfo struct {
	PaymentStatus model.PaymentStatus `json:"payment_status"`
	Mode          string              `json:"mode"`
	AmountUZS     int64               `json:"amount_uzs"`
	AdminContact  string              `json:"admin_username,omitempty"`
	PaymeURL      string              `json:"payme_url,omitempty"`
	ClickURL      string              `json:"click_url,omitempty"`
}

// RegisterRequest is the registration questionnaire.
type RegisterRequest struct {
	FullName     string `json:"full_name"`
	Location     string `json:"location"`
	Age          int    `json:"age"`
	Goal         string `json:"goal"`
	Pains        string `json:"pains"`
	Expectations string `json:"expectations"`
}

// SetupRequest is the plan configuration.
type SetupRequest struct {
	Modules       []string        `json:"modules"`
	Habits        []PlanItemInput `json:"habits"`
	Sports        []PlanItemInput `json:"sports"`
	ReadingBook   string          `json:"reading_book"`
	ReadingPages  int             `json:"reading_pages_per_day"`
	ReminderHours []int           `json:"reminder_hours"`
}

// PlanItemInput accepts a habit or sport as a bare string or as an object
// with name, days and target_count.
type PlanItemInput struct {
	Name        string
	Days        []string
	TargetCount int
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PlanItemInput) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = PlanItemInput{Name: name, Days: []string{catalog.Daily}}
		return nil
	}

	var obj struct {
		Name        string          `json:"name"`
		Days        []any           `json:"days"`
		TargetCount json.RawMessage `json:"target_count"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("plan item must be a string or an object: %w", err)
	}
	days := make([]string, 0, len(obj.Days))
	for _, d := range obj.Days {
		days = append(days, fmt.Sprint(d))
	}
	*p = PlanItemInput{Name: obj.Name, Days: days, TargetCount: looseInt(obj.TargetCount)}
	return nil
}

// looseInt reads a JSON number or numeric string, returning 0 otherwise.
func looseInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v
		}
	}
	return 0
}

// NormalizeDays canonicalizes a weekday filter. "daily" wins, unknown keys
// are dropped and an empty result means daily.
func NormalizeDays(days []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range days {
		key := strings.ToLower(strings.TrimSpace(d))
		if key == catalog.Daily {
			return []string{catalog.Daily}
		}
		if catalog.IsWeekdayKey(key) && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	if len(out) == 0 {
		return []string{catalog.Daily}
	}
	return out
}

// AccountService handles participant onboarding.
type AccountService struct {
	store     repository.Store
	activator *Activator
	catalog   *catalog.Catalog
	payment   config.PaymentConfig
	admin     string
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(
	store repository.Store,
	activator *Activator,
	cat *catalog.Catalog,
	payment config.PaymentConfig,
	adminContact string,
) *AccountService {
	return &AccountService{
		store:     store,
		activator: activator,
		catalog:   cat,
		payment:   payment,
		admin:     adminContact,
	}
}

// Catalog returns the content catalog shown to participants.
func (s *AccountService) Catalog() *catalog.Catalog {
	return s.catalog
}

// Bootstrap ensures the account exists, refreshes its Telegram names and
// binds the device on first sight.
func (s *AccountService) Bootstrap(ctx context.Context, id Identity, deviceID string) (*AccountState, *PaymentInfo, error) {
	if id.TelegramID == 0 {
		return nil, nil, invalid("tg_user_id required")
	}
	deviceID = truncate(strings.TrimSpace(deviceID), maxDeviceIDLength)

	var state *AccountState
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, created, err := tx.Accounts.GetOrCreate(ctx, id.TelegramID, id.Username, id.FirstName)
		if err != nil {
			return fmt.Errorf("failed to ensure account: %w", err)
		}
		if created {
			log.Info().Int64("telegram_id", id.TelegramID).Msg("New participant")
		}

		if acc.DeviceFingerprint != nil && deviceID != "" && *acc.DeviceFingerprint != deviceID {
			return ErrDeviceMismatch
		}

		dirty := false
		if id.Username != "" && acc.Username != id.Username {
			acc.Username = id.Username
			dirty = true
		}
		if id.FirstName != "" && acc.FirstName != id.FirstName {
			acc.FirstName = id.FirstName
			dirty = true
		}
		if acc.DeviceFingerprint == nil && deviceID != "" {
			now := s.activator.Now()
			acc.DeviceFingerprint = &deviceID
			acc.DeviceBoundAt = &now
			dirty = true
		}
		if dirty {
			if err := tx.Accounts.UpdateProfile(ctx, acc); err != nil {
				return err
			}
		}

		state, err = s.stateOf(ctx, tx, acc)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return state, s.paymentInfo(state.Account), nil
}

// Register stores the registration questionnaire.
func (s *AccountService) Register(ctx context.Context, telegramID int64, req RegisterRequest) (*model.Account, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Location = strings.TrimSpace(req.Location)
	req.Goal = strings.TrimSpace(req.Goal)
	req.Pains = strings.TrimSpace(req.Pains)
	req.Expectations = strings.TrimSpace(req.Expectations)

	switch {
	case len([]rune(req.FullName)) < 3:
		return nil, invalid("full_name must be at least 3 characters")
	case len([]rune(req.Location)) < 2:
		return nil, invalid("location must be at least 2 characters")
	case req.Age < 9 || req.Age > 80:
		return nil, invalid("age must be between 9 and 80")
	case len([]rune(req.Goal)) < 5:
		return nil, invalid("goal must be at least 5 characters")
	case len([]rune(req.Pains)) < 5:
		return nil, invalid("pains must be at least 5 characters")
	case len([]rune(req.Expectations)) < 5:
		return nil, invalid("expectations must be at least 5 characters")
	}

	var out *model.Account
	err := s.updateAccount(ctx, telegramID, func(acc *model.Account) error {
		acc.FullName = req.FullName
		acc.Location = req.Location
		acc.Age = &req.Age
		acc.Goal = req.Goal
		acc.Pains = req.Pains
		acc.Expectations = req.Expectations
		acc.RegistrationCompleted = true
		if acc.Status == model.StatusNew {
			acc.Status = model.StatusRegistered
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Setup stores the participant's plan.
func (s *AccountService) Setup(ctx context.Context, telegramID int64, req SetupRequest) (*model.Account, error) {
	modules, err := normalizeModules(req.Modules)
	if err != nil {
		return nil, err
	}
	has := func(m string) bool {
		for _, x := range modules {
			if x == m {
				return true
			}
		}
		return false
	}

	var habits, sports []model.PlanItem
	if has(model.ModuleHabits) {
		habits = normalizeItems(req.Habits, false)
		if len(habits) == 0 {
			return nil, invalid("at least one habit is required")
		}
	}
	if has(model.ModuleSports) {
		sports = normalizeItems(req.Sports, true)
		if len(sports) == 0 {
			return nil, invalid("at least one sport is required")
		}
	}

	var book, task string
	if has(model.ModuleReading) {
		pages := req.ReadingPages
		if pages == 0 {
			pages = 30
		}
		if pages < 1 || pages > 300 {
			return nil, invalid("reading pages must be between 1 and 300")
		}
		book = strings.TrimSpace(req.ReadingBook)
		if book == "" {
			book = s.catalog.DefaultBook
		}
		task = fmt.Sprintf("%d bet", pages)
	}

	hours, err := normalizeReminderHours(req.ReminderHours)
	if err != nil {
		return nil, err
	}

	var out *model.Account
	err = s.updateAccount(ctx, telegramID, func(acc *model.Account) error {
		if !acc.RegistrationCompleted {
			return ErrNotReady
		}
		acc.Modules = modules
		acc.Habits = habits
		acc.Sports = sports
		acc.ReadingBook = book
		acc.ReadingTask = task
		acc.ReminderHours = hours
		if acc.Status == model.StatusNew || acc.Status == model.StatusRegistered {
			acc.Status = model.StatusSetupDone
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeModules(in []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, m := range in {
		m = strings.ToLower(strings.TrimSpace(m))
		switch m {
		case model.ModuleHabits, model.ModuleSports, model.ModuleReading, model.ModuleChallenge:
		default:
			return nil, invalid("unknown module %q", m)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, invalid("select at least one module")
	}
	return out, nil
}

func normalizeItems(in []PlanItemInput, withTarget bool) []model.PlanItem {
	var out []model.PlanItem
	for _, it := range in {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			continue
		}
		item := model.PlanItem{Name: name, Days: NormalizeDays(it.Days)}
		if withTarget && it.TargetCount > 0 {
			item.TargetCount = it.TargetCount
		}
		out = append(out, item)
	}
	return out
}

func normalizeReminderHours(in []int) ([]int, error) {
	if len(in) == 0 {
		in = []int{9, 14, 21}
	}
	seen := make(map[int]bool)
	var out []int
	for _, h := range in {
		if h < 0 || h > 23 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	if len(out) != 3 {
		return nil, invalid("exactly 3 reminder hours in 0..23 required")
	}
	sort.Ints(out)
	return out, nil
}

// RequestPayment moves a ready account to pending and returns payment instructions.
func (s *AccountService) RequestPayment(ctx context.Context, telegramID int64) (*PaymentInfo, error) {
	var acc *model.Account
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		var err error
		acc, err = s.lock(ctx, tx, telegramID)
		if err != nil {
			return err
		}
		if !acc.RegistrationCompleted || !acc.SetupCompleted() {
			return ErrNotReady
		}
		changed, err := s.activator.MarkPending(ctx, tx, acc)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		acc.PaymentStatus = model.PaymentPending
		acc.Status = model.StatusAwaitingPayment
		return tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &telegramID,
			Action:           model.AuditPaymentRequested,
			TargetTelegramID: &telegramID,
			Payload:          map[string]any{"mode": s.payment.Mode, "amount_uzs": s.payment.FeeUZS},
		})
	})
	if err != nil {
		return nil, err
	}
	return s.paymentInfo(acc), nil
}

// State returns the account summary.
func (s *AccountService) State(ctx context.Context, telegramID int64) (*AccountState, error) {
	var state *AccountState
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := tx.Accounts.GetByTelegramID(ctx, telegramID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		state, err = s.stateOf(ctx, tx, acc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *AccountService) stateOf(ctx context.Context, tx *repository.Tx, acc *model.Account) (*AccountState, error) {
	achievements, err := tx.Achievements.List(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if achievements == nil {
		achievements = []model.UserAchievement{}
	}
	referrals, err := tx.Referrals.CountByReferrer(ctx, acc.TelegramID)
	if err != nil {
		return nil, err
	}
	today := s.activator.Today()
	return &AccountState{
		Account:       acc,
		IsActive:      s.activator.IsActive(acc, today),
		ProgramDay:    s.activator.ProgramDay(acc, today),
		Level:         s.catalog.LevelFor(acc.Points),
		Achievements:  achievements,
		ReferralCount: referrals,
	}, nil
}

func (s *AccountService) lock(ctx context.Context, tx *repository.Tx, telegramID int64) (*model.Account, error) {
	acc, err := tx.Accounts.GetByTelegramIDForUpdate(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

// updateAccount locks the account, applies fn and writes the profile back.
func (s *AccountService) updateAccount(ctx context.Context, telegramID int64, fn func(acc *model.Account) error) error {
	return RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := s.lock(ctx, tx, telegramID)
		if err != nil {
			return err
		}
		if err := fn(acc); err != nil {
			return err
		}
		return tx.Accounts.UpdateProfile(ctx, acc)
	})
}

func (s *AccountService) paymentInfo(acc *model.Account) *PaymentInfo {
	info := &PaymentInfo{
		PaymentStatus: acc.PaymentStatus,
		Mode:          s.payment.Mode,
		AmountUZS:     s.payment.FeeUZS,
		AdminContact:  s.admin,
	}
	if s.payment.Payme.Enabled && s.payment.Payme.MerchantID != "" {
		info.PaymeURL = fmt.Sprintf("%s/%s?amount=%d&account[tg_user_id]=%d",
			strings.TrimRight(s.payment.Payme.CheckoutURL, "/"),
			s.payment.Payme.MerchantID, s.payment.FeeUZS*100, acc.TelegramID)
	}
	if s.payment.Click.Enabled && s.payment.Click.ServiceID != "" && s.payment.Click.MerchantID != "" {
		q := url.Values{}
		q.Set("merchant_id", s.payment.Click.MerchantID)
		q.Set("service_id", s.payment.Click.ServiceID)
		q.Set("amount", strconv.FormatInt(s.payment.FeeUZS, 10))
		q.Set("transaction_param", strconv.FormatInt(acc.TelegramID, 10))
		info.ClickURL = s.payment.Click.CheckoutURL + "?" + q.Encode()
	}
	return info
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// StartDateString formats an optional start date for responses.
func StartDateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

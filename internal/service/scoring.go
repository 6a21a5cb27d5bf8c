package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/catalog"
	"habit-marathon/internal/config"
	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/calendar"
	"habit-marathon/internal/pkg/metrics"
	"habit-marathon/internal/repository"
)

// Leaderboard size bounds.
const (
	MinLeaderboardLimit = 3
	MaxLeaderboardLimit = 50
)

// ScoringRules holds the scoring constants.
type ScoringRules struct {
	Weights           map[string]int
	StreakThreshold   int
	BonusThreshold    int
	BonusPoints       int
	MissPenalty       int
	ProgramLengthDays int
	ChallengeOpensDay int
}

// RulesFromConfig builds ScoringRules from configuration. The challenge
// module never carries weight.
func RulesFromConfig(sc config.ScoringConfig, pc config.ProgramConfig) ScoringRules {
	weights := make(map[string]int, len(sc.Weights))
	for module, w := range sc.Weights {
		if module == model.ModuleChallenge {
			continue
		}
		weights[module] = w
	}
	return ScoringRules{
		Weights:           weights,
		StreakThreshold:   sc.StreakThreshold,
		BonusThreshold:    sc.BonusThreshold,
		BonusPoints:       sc.BonusPoints,
		MissPenalty:       sc.MissPenalty,
		ProgramLengthDays: pc.LengthDays,
		ChallengeOpensDay: pc.ChallengeOpensDay,
	}
}

// ReportResult is the outcome of SubmitReport.
type ReportResult struct {
	Done                int      `json:"done"`
	Total               int      `json:"total"`
	Percent             int      `json:"percent"`
	DailyScore          int      `json:"daily_score"`
	PointsGain          int      `json:"points_gain"`
	Points              int      `json:"points"`
	Streak              int      `json:"streak"`
	StreakFreezeUsed    bool     `json:"streak_freeze_used"`
	AwardedAchievements []string `json:"awarded_achievements"`
	CertificateCode     *string  `json:"certificate_code"`
}

// DailyView is today's plan with the stored check marks.
type DailyView struct {
	Day        int             `json:"day"`
	ReportDate string          `json:"report_date"`
	Plan       Plan            `json:"plan"`
	Checked    map[string]bool `json:"checked"`
}

// CertificateResult is the outcome of Certificate.
type CertificateResult struct {
	Code       string `json:"certificate_code"`
	ProgramDay int    `json:"day"`
	Name       string `json:"name"`
}

// ChallengeResult is the outcome of PickChallenge.
type ChallengeResult struct {
	Numbers  []int    `json:"numbers"`
	Tasks    []string `json:"tasks"`
	Deadline string   `json:"deadline"`
}

// LeaderboardEntry is one leaderboard row.
type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	TelegramID int64  `json:"tg_user_id"`
	Name       string `json:"name"`
	Points     int    `json:"points"`
	Streak     int    `json:"streak"`
	Level      string `json:"level"`
}

// ScoringService runs the daily checklist, streaks, achievements and certificates.
type ScoringService struct {
	store     repository.Store
	activator *Activator
	planner   *Planner
	catalog   *catalog.Catalog
	rules     ScoringRules
	metrics   *metrics.Collector
}

// NewScoringService creates a new ScoringService instance.
func NewScoringService(
	store repository.Store,
	activator *Activator,
	cat *catalog.Catalog,
	rules ScoringRules,
	m *metrics.Collector,
) *ScoringService {
	return &ScoringService{
		store:     store,
		activator: activator,
		planner:   NewPlanner(cat, rules.ChallengeOpensDay),
		catalog:   cat,
		rules:     rules,
		metrics:   m,
	}
}

// Planner returns the plan resolver used by the service.
func (s *ScoringService) Planner() *Planner {
	return s.planner
}

func (s *ScoringService) lockActive(ctx context.Context, tx *repository.Tx, telegramID int64, today time.Time) (*model.Account, error) {
	acc, err := tx.Accounts.GetByTelegramIDForUpdate(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if !s.activator.IsActive(acc, today) {
		return nil, ErrNotActive
	}
	return acc, nil
}

func (s *ScoringService) planFor(ctx context.Context, tx *repository.Tx, acc *model.Account, today time.Time) (Plan, int, error) {
	dayNumber := s.activator.ProgramDay(acc, today)

	var challenge *model.Challenge
	if acc.HasModule(model.ModuleChallenge) {
		ch, err := tx.Challenges.LatestActive(ctx, acc.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, 0, err
		}
		challenge = ch
	}
	return s.planner.ResolvePlan(acc, today, dayNumber, challenge), dayNumber, nil
}

// Today returns the plan for today with the already reported check marks,
// keyed "module:item".
func (s *ScoringService) Today(ctx context.Context, telegramID int64) (*DailyView, error) {
	today := s.activator.Today()

	var view *DailyView
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := s.lockActive(ctx, tx, telegramID, today)
		if err != nil {
			return err
		}
		plan, dayNumber, err := s.planFor(ctx, tx, acc, today)
		if err != nil {
			return err
		}
		rows, err := tx.Reports.ForDay(ctx, acc.ID, today)
		if err != nil {
			return err
		}

		checked := make(map[string]bool, len(rows))
		for _, r := range rows {
			checked[r.Module+":"+r.ItemKey] = r.IsDone
		}
		view = &DailyView{
			Day:        dayNumber,
			ReportDate: today.Format(time.DateOnly),
			Plan:       plan,
			Checked:    checked,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// SubmitReport replaces today's checklist and updates points, streak,
// achievements and the certificate.
func (s *ScoringService) SubmitReport(ctx context.Context, telegramID int64, checked map[string][]string) (*ReportResult, error) {
	today := s.activator.Today()

	var result *ReportResult
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := s.lockActive(ctx, tx, telegramID, today)
		if err != nil {
			return err
		}
		plan, _, err := s.planFor(ctx, tx, acc, today)
		if err != nil {
			return err
		}

		var (
			rows        []model.DailyModuleReport
			done, total int
			doneBy      = make(map[string]int)
			totalBy     = make(map[string]int)
		)
		for _, pm := range plan {
			marked := make(map[string]bool, len(checked[pm.Module]))
			for _, item := range checked[pm.Module] {
				marked[item] = true
			}
			for _, item := range pm.Items {
				isDone := marked[item]
				rows = append(rows, model.DailyModuleReport{
					AccountID:  acc.ID,
					ReportDate: today,
					Module:     pm.Module,
					ItemKey:    item,
					IsDone:     isDone,
				})
				total++
				totalBy[pm.Module]++
				if isDone {
					done++
					doneBy[pm.Module]++
				}
			}
		}
		if err := tx.Reports.ReplaceDay(ctx, acc.ID, today, rows); err != nil {
			return err
		}

		score := WeightedScore(doneBy, totalBy, s.rules.Weights)
		BeginDay(acc, today)
		gain := ApplyDay(acc, score, done, s.rules)

		certCode, _ := s.IssueCertificate(acc, today)

		awarded, err := s.grantAchievements(ctx, tx, acc, plan, doneBy, totalBy, today)
		if err != nil {
			return err
		}

		if err := tx.Accounts.UpdateProgress(ctx, acc); err != nil {
			return err
		}

		percent := 0
		if total > 0 {
			percent = done * 100 / total
		}
		err = tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &acc.TelegramID,
			Action:           model.AuditDailyReport,
			TargetTelegramID: &acc.TelegramID,
			Payload: map[string]any{
				"report_date": today.Format(time.DateOnly),
				"daily_score": score,
				"percent":     percent,
				"awarded":     awarded,
			},
		})
		if err != nil {
			return err
		}

		result = &ReportResult{
			Done:                done,
			Total:               total,
			Percent:             percent,
			DailyScore:          score,
			PointsGain:          gain,
			Points:              acc.Points,
			Streak:              acc.CurrentStreak,
			StreakFreezeUsed:    acc.StreakFreezeUsed,
			AwardedAchievements: awarded,
		}
		if certCode != "" {
			result.CertificateCode = &certCode
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReport()
	log.Debug().
		Int64("telegram_id", telegramID).
		Int("score", result.DailyScore).
		Int("streak", result.Streak).
		Msg("Daily report submitted")
	return result, nil
}

// BeginDay prepares acc for a report on today. The first report of a day
// records the current progress as the day's baseline. Later reports on the
// same day rewind to that baseline, so only the latest report counts.
func BeginDay(acc *model.Account, today time.Time) {
	if acc.LastReportDate != nil && calendar.Day(*acc.LastReportDate).Equal(today) {
		acc.Points = acc.DayBasePoints
		acc.CurrentStreak = acc.DayBaseStreak
		acc.StreakFreezeUsed = acc.DayBaseFreezeUsed
		acc.MissedDaysCount = acc.DayBaseMissed
		return
	}
	acc.DayBasePoints = acc.Points
	acc.DayBaseStreak = acc.CurrentStreak
	acc.DayBaseFreezeUsed = acc.StreakFreezeUsed
	acc.DayBaseMissed = acc.MissedDaysCount
	acc.LastReportDate = &today
}

// ApplyDay updates acc's points and streak for a day with the given weighted
// score and completed item count. It returns the points gained before any
// miss penalty.
func ApplyDay(acc *model.Account, score, done int, rules ScoringRules) int {
	gain := done
	if score >= rules.BonusThreshold {
		gain += rules.BonusPoints
	}
	acc.Points += gain

	if score >= rules.StreakThreshold {
		acc.CurrentStreak++
		return gain
	}

	acc.Points = max(0, acc.Points-rules.MissPenalty)
	acc.MissedDaysCount++
	if acc.CurrentStreak > 0 && !acc.StreakFreezeUsed {
		acc.StreakFreezeUsed = true
	} else {
		acc.CurrentStreak = 0
	}
	return gain
}

func (s *ScoringService) grantAchievements(
	ctx context.Context,
	tx *repository.Tx,
	acc *model.Account,
	plan Plan,
	doneBy, totalBy map[string]int,
	today time.Time,
) ([]string, error) {
	var candidates []string
	if acc.CurrentStreak >= 7 {
		candidates = append(candidates, "streak_7")
	}
	if acc.CurrentStreak >= 14 {
		candidates = append(candidates, "streak_14")
	}
	for _, pm := range plan {
		if totalBy[pm.Module] > 0 && doneBy[pm.Module] == totalBy[pm.Module] {
			if code := catalog.MasteryCode(pm.Module); code != "" {
				candidates = append(candidates, code)
			}
		}
	}

	weekDone, weekTotal, err := tx.Reports.Totals(ctx, acc.ID, calendar.WeekStart(today), today)
	if err != nil {
		return nil, err
	}
	if weekTotal > 0 && weekDone == weekTotal {
		candidates = append(candidates, "week_100")
	}

	awarded := []string{}
	for _, code := range candidates {
		def := s.catalog.Achievements[code]
		granted, err := tx.Achievements.Grant(ctx, &model.UserAchievement{
			AccountID:   acc.ID,
			Code:        code,
			Name:        def.Name,
			Description: def.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to grant %s: %w", code, err)
		}
		if granted {
			awarded = append(awarded, code)
		}
	}
	return awarded, nil
}

// IssueCertificate latches the certificate on acc once the final program day
// is reached. It returns the certificate code, if any, and whether this call
// issued it. The caller persists acc.
func (s *ScoringService) IssueCertificate(acc *model.Account, today time.Time) (string, bool) {
	if acc.CertificateIssued && acc.CertificateCode != nil {
		return *acc.CertificateCode, false
	}
	length := acc.ProgramLengthDays
	if length <= 0 {
		length = s.rules.ProgramLengthDays
	}
	dayNumber := s.activator.ProgramDay(acc, today)
	if dayNumber == 0 || dayNumber < length {
		return "", false
	}
	code := fmt.Sprintf("CERT-%d-%d", acc.TelegramID, dayNumber)
	acc.CertificateIssued = true
	acc.CertificateCode = &code
	return code, true
}

// Certificate returns the participant's certificate, issuing it on the final day.
func (s *ScoringService) Certificate(ctx context.Context, telegramID int64) (*CertificateResult, error) {
	today := s.activator.Today()

	var result *CertificateResult
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := tx.Accounts.GetByTelegramIDForUpdate(ctx, telegramID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		code, issued := s.IssueCertificate(acc, today)
		if code == "" {
			return ErrCertificateNotReady
		}
		if issued {
			if err := tx.Accounts.UpdateProgress(ctx, acc); err != nil {
				return err
			}
		}
		result = &CertificateResult{
			Code:       code,
			ProgramDay: s.activator.ProgramDay(acc, today),
			Name:       displayName(acc),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PickChallenge starts a five-day challenge from three picked numbers.
func (s *ScoringService) PickChallenge(ctx context.Context, telegramID int64, numbers []int) (*ChallengeResult, error) {
	nums := uniqueSorted(numbers)
	if len(nums) != 3 || nums[0] < 1 || nums[2] > 30 {
		return nil, invalid("pick exactly 3 numbers in range 1..30")
	}
	today := s.activator.Today()

	var result *ChallengeResult
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := s.lockActive(ctx, tx, telegramID, today)
		if err != nil {
			return err
		}
		if s.activator.ProgramDay(acc, today) < s.rules.ChallengeOpensDay {
			return ErrChallengeLocked
		}

		tasks := make([]string, len(nums))
		for i, n := range nums {
			tasks[i] = s.catalog.ChallengeTask(n)
		}
		ch := &model.Challenge{
			AccountID: acc.ID,
			Numbers:   nums,
			Tasks:     tasks,
			StartDate: today,
			EndDate:   today.AddDate(0, 0, 4),
			Status:    model.ChallengeActive,
		}
		if err := tx.Challenges.CloseActive(ctx, acc.ID); err != nil {
			return err
		}
		if err := tx.Challenges.Create(ctx, ch); err != nil {
			return err
		}
		err = tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &acc.TelegramID,
			Action:           model.AuditChallengePicked,
			TargetTelegramID: &acc.TelegramID,
			Payload:          map[string]any{"numbers": nums, "tasks": tasks},
		})
		if err != nil {
			return err
		}

		result = &ChallengeResult{
			Numbers:  nums,
			Tasks:    tasks,
			Deadline: ch.EndDate.Format(time.DateOnly),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]bool, len(in))
	var out []int
	for _, n := range in {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// Leaderboard returns the top paid participants.
func (s *ScoringService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	limit = min(max(limit, MinLeaderboardLimit), MaxLeaderboardLimit)

	var accounts []*model.Account
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		var err error
		accounts, err = tx.Accounts.Leaderboard(ctx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}

	entries := make([]LeaderboardEntry, len(accounts))
	for i, acc := range accounts {
		entries[i] = LeaderboardEntry{
			Rank:       i + 1,
			TelegramID: acc.TelegramID,
			Name:       displayName(acc),
			Points:     acc.Points,
			Streak:     acc.CurrentStreak,
			Level:      s.catalog.LevelFor(acc.Points).Name,
		}
	}
	return entries, nil
}

func displayName(acc *model.Account) string {
	switch {
	case acc.FullName != "":
		return acc.FullName
	case acc.FirstName != "":
		return acc.FirstName
	case acc.Username != "":
		return "@" + acc.Username
	}
	return fmt.Sprintf("%d", acc.TelegramID)
}

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"habit-marathon/internal/model"
	"habit-marathon/internal/service"
)

// abort stops the chain with an error body.
func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": msg})
}

// fail maps a service error onto a status code.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch service.KindOf(err) {
	case service.KindValidation:
		status = http.StatusBadRequest
	case service.KindAuth, service.KindNotActive:
		status = http.StatusForbidden
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindConflict:
		status = http.StatusConflict
	default:
		log.Error().Err(err).Str("request_id", c.GetString("request_id")).
			Str("route", c.FullPath()).Msg("Request failed")
		abort(c, status, "internal error")
		return
	}
	abort(c, status, err.Error())
}

// queryTelegramID reads the tg_user_id query parameter.
func queryTelegramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Query("tg_user_id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, "tg_user_id required")
		return 0, false
	}
	return id, true
}

// bindJSON decodes the body into req and checks tg_user_id when present.
func bindJSON(c *gin.Context, req any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return false
	}
	if u, ok := req.(interface{ telegramID() int64 }); ok && u.telegramID() <= 0 {
		abort(c, http.StatusBadRequest, "tg_user_id required")
		return false
	}
	return true
}

// userRef is embedded in bodies that name a participant.
type userRef struct {
	TelegramID int64 `json:"tg_user_id"`
}

func (u userRef) telegramID() int64 { return u.TelegramID }

// accountView is the participant as the mini app sees it.
type accountView struct {
	TelegramID            int64               `json:"tg_user_id"`
	Username              string              `json:"username"`
	FirstName             string              `json:"first_name"`
	Status                string              `json:"status"`
	PaymentStatus         model.PaymentStatus `json:"payment_status"`
	IsPaid                bool                `json:"is_paid"`
	RegistrationCompleted bool                `json:"registration_completed"`
	SetupCompleted        bool                `json:"setup_completed"`
	FullName              string              `json:"full_name"`
	Location              string              `json:"location"`
	Age                   *int                `json:"age"`
	Goal                  string              `json:"goal"`
	Modules               []string            `json:"modules"`
	Habits                []model.PlanItem    `json:"habits"`
	Sports                []model.PlanItem    `json:"sports"`
	ReadingBook           string              `json:"reading_book"`
	ReadingTask           string              `json:"reading_task"`
	ReminderHours         []int               `json:"reminder_hours"`
	ProgramStartDate      *string             `json:"program_start_date"`
	ProgramLengthDays     int                 `json:"program_length_days"`
	Points                int                 `json:"points"`
	Streak                int                 `json:"streak"`
	StreakFreezeUsed      bool                `json:"streak_freeze_used"`
	CertificateCode       *string             `json:"certificate_code"`
}

func viewAccount(acc *model.Account) *accountView {
	if acc == nil {
		return nil
	}
	return &accountView{
		TelegramID:            acc.TelegramID,
		Username:              acc.Username,
		FirstName:             acc.FirstName,
		Status:                acc.Status,
		PaymentStatus:         acc.PaymentStatus,
		IsPaid:                acc.IsPaid,
		RegistrationCompleted: acc.RegistrationCompleted,
		SetupCompleted:        acc.SetupCompleted(),
		FullName:              acc.FullName,
		Location:              acc.Location,
		Age:                   acc.Age,
		Goal:                  acc.Goal,
		Modules:               acc.Modules,
		Habits:                acc.Habits,
		Sports:                acc.Sports,
		ReadingBook:           acc.ReadingBook,
		ReadingTask:           acc.ReadingTask,
		ReminderHours:         acc.ReminderHours,
		ProgramStartDate:      service.StartDateString(acc.ProgramStartDate),
		ProgramLengthDays:     acc.ProgramLengthDays,
		Points:                acc.Points,
		Streak:                acc.CurrentStreak,
		StreakFreezeUsed:      acc.StreakFreezeUsed,
		CertificateCode:       acc.CertificateCode,
	}
}

// stateBody renders an AccountState.
func stateBody(st *service.AccountState) gin.H {
	return gin.H{
		"ok":             true,
		"user":           viewAccount(st.Account),
		"is_active":      st.IsActive,
		"day":            st.ProgramDay,
		"level":          st.Level,
		"achievements":   achievementsView(st.Achievements),
		"referral_count": st.ReferralCount,
	}
}

type achievementView struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	EarnedAt    time.Time `json:"earned_at"`
}

func achievementsView(in []model.UserAchievement) []achievementView {
	out := make([]achievementView, 0, len(in))
	for _, a := range in {
		out = append(out, achievementView{Code: a.Code, Name: a.Name, Description: a.Description, EarnedAt: a.EarnedAt})
	}
	return out
}

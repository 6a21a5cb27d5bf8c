package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"habit-marathon/internal/payment/payme"
	"habit-marathon/internal/service"
)

// healthCheckTimeout bounds the store ping of /healthz.
const healthCheckTimeout = 2 * time.Second

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()
	if err := s.svc.Store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "database unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type bootstrapRequest struct {
	userRef
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	DeviceID  string `json:"device_id"`
}

func (s *Server) bootstrap(c *gin.Context) {
	var req bootstrapRequest
	if !bindJSON(c, &req) {
		return
	}
	st, info, err := s.svc.Accounts.Bootstrap(c.Request.Context(), service.Identity{
		TelegramID: req.TelegramID,
		Username:   req.Username,
		FirstName:  req.FirstName,
	}, req.DeviceID)
	if err != nil {
		fail(c, err)
		return
	}

	cat := s.svc.Accounts.Catalog()
	body := stateBody(st)
	body["payment"] = info
	body["catalog"] = gin.H{
		"habits":   cat.Habits,
		"sports":   cat.Sports,
		"weekdays": cat.Weekdays,
		"book":     cat.DefaultBook,
	}
	c.JSON(http.StatusOK, body)
}

type registerRequest struct {
	userRef
	service.RegisterRequest
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}
	acc, err := s.svc.Accounts.Register(c.Request.Context(), req.TelegramID, req.RegisterRequest)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": viewAccount(acc)})
}

type setupRequest struct {
	userRef
	service.SetupRequest
}

func (s *Server) setup(c *gin.Context) {
	var req setupRequest
	if !bindJSON(c, &req) {
		return
	}
	acc, err := s.svc.Accounts.Setup(c.Request.Context(), req.TelegramID, req.SetupRequest)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": viewAccount(acc)})
}

func (s *Server) requestPayment(c *gin.Context) {
	var req userRef
	if !bindJSON(c, &req) {
		return
	}
	info, err := s.svc.Accounts.RequestPayment(c.Request.Context(), req.TelegramID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "payment": info})
}

type verifyCodeRequest struct {
	userRef
	Code     string `json:"code"`
	DeviceID string `json:"device_id"`
}

func (s *Server) verifyCode(c *gin.Context) {
	var req verifyCodeRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.svc.Codes.Redeem(c.Request.Context(), service.RedeemRequest{
		TelegramID: req.TelegramID,
		Code:       req.Code,
		DeviceID:   req.DeviceID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                 true,
		"already_paid":       res.AlreadyPaid,
		"payment_status":     res.PaymentStatus,
		"program_started":    res.ProgramStarted,
		"program_start_date": service.StartDateString(res.ProgramStartDate),
	})
}

// readBody reads a webhook body. Oversized bodies come back truncated and
// fail to parse.
func readBody(c *gin.Context) []byte {
	body, _ := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	return body
}

func (s *Server) paymeWebhook(c *gin.Context) {
	if s.svc.Payme == nil {
		abort(c, http.StatusGone, "payme integration is disabled")
		return
	}
	creds := payme.Credentials{
		Authorization: c.GetHeader("Authorization"),
		XAuth:         c.GetHeader("X-Auth"),
	}
	c.JSON(http.StatusOK, s.svc.Payme.Handle(c.Request.Context(), creds, readBody(c)))
}

func (s *Server) clickWebhook(c *gin.Context) {
	if s.svc.Click == nil {
		abort(c, http.StatusGone, "click integration is disabled")
		return
	}
	c.JSON(http.StatusOK, s.svc.Click.Handle(c.Request.Context(), c.ContentType(), readBody(c)))
}

func (s *Server) state(c *gin.Context) {
	id, ok := queryTelegramID(c)
	if !ok {
		return
	}
	st, err := s.svc.Accounts.State(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stateBody(st))
}

func (s *Server) daily(c *gin.Context) {
	id, ok := queryTelegramID(c)
	if !ok {
		return
	}
	view, err := s.svc.Scoring.Today(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "daily": view})
}

type reportRequest struct {
	userRef
	Checked map[string][]string `json:"checked"`
}

func (s *Server) dailyReport(c *gin.Context) {
	var req reportRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.svc.Scoring.SubmitReport(c.Request.Context(), req.TelegramID, req.Checked)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

type pickRequest struct {
	userRef
	Numbers []int `json:"numbers"`
}

func (s *Server) pickChallenge(c *gin.Context) {
	var req pickRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.svc.Scoring.PickChallenge(c.Request.Context(), req.TelegramID, req.Numbers)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "challenge": res})
}

func (s *Server) certificate(c *gin.Context) {
	id, ok := queryTelegramID(c)
	if !ok {
		return
	}
	res, err := s.svc.Scoring.Certificate(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "certificate": res})
}

func (s *Server) leaderboard(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		abort(c, http.StatusBadRequest, "limit must be a number")
		return
	}
	rows, err := s.svc.Scoring.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "leaderboard": rows})
}

type issueCodesRequest struct {
	Count          int    `json:"count"`
	TargetTelegram *int64 `json:"target_tg_user_id"`
}

func (s *Server) issueCodes(c *gin.Context) {
	var req issueCodesRequest
	if !bindJSON(c, &req) {
		return
	}
	codes, err := s.svc.Codes.Issue(c.Request.Context(), service.IssueRequest{
		Count:            req.Count,
		TargetTelegramID: req.TargetTelegram,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "codes": codes})
}

// apiActor is the audit actor for admin API calls, which carry no Telegram id.
const apiActor int64 = 0

func (s *Server) confirmPayment(c *gin.Context) {
	var req userRef
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.svc.Admin.ConfirmPayment(c.Request.Context(), apiActor, req.TelegramID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"already_active":  res.AlreadyActive,
		"program_started": res.ProgramStarted,
		"user":            viewAccount(res.Account),
	})
}

func (s *Server) kick(c *gin.Context) {
	var req userRef
	if !bindJSON(c, &req) {
		return
	}
	acc, err := s.svc.Admin.Kick(c.Request.Context(), apiActor, req.TelegramID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": viewAccount(acc)})
}

func (s *Server) rollback(c *gin.Context) {
	var req userRef
	if !bindJSON(c, &req) {
		return
	}
	acc, err := s.svc.Admin.Rollback(c.Request.Context(), apiActor, req.TelegramID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": viewAccount(acc)})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.svc.Admin.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                true,
		"total":             st.Total,
		"by_payment_status": st.ByPaymentStatus,
		"reported_today":    st.ReportedToday,
		"missed_today":      st.MissedToday,
		"unused_codes":      st.UnusedCodes,
	})
}

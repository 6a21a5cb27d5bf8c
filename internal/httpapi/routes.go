package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) routes() {
	s.router.GET("/healthz", s.healthz)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	app := s.router.Group("/v1/app")
	app.POST("/bootstrap", s.bootstrap)
	app.POST("/register", s.register)
	app.POST("/setup", s.setup)
	app.POST("/payment/request", s.requestPayment)
	app.POST("/payment/verify-code", rateLimit(s.redeem), s.verifyCode)
	app.POST("/payment/payme", s.paymeWebhook)
	app.POST("/payment/click", s.clickWebhook)
	app.GET("/state", s.state)
	app.GET("/daily", s.daily)
	app.POST("/daily/report", s.dailyReport)
	app.POST("/challenge/pick", s.pickChallenge)
	app.GET("/certificate", s.certificate)
	app.GET("/leaderboard", s.leaderboard)

	admin := s.router.Group("/v1/admin", adminAuth(s.opts.AdminToken))
	admin.POST("/codes", s.issueCodes)
	admin.POST("/payment/confirm", s.confirmPayment)
	admin.POST("/kick", s.kick)
	admin.POST("/rollback", s.rollback)
	admin.GET("/stats", s.stats)

	s.router.NoRoute(func(c *gin.Context) {
		abort(c, http.StatusNotFound, "not found")
	})
}

package handler

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"habit-marathon/internal/service"
)

// leaderboardSize is the number of rows /leaderboard shows.
const leaderboardSize = 10

// LeaderboardHandler handles /leaderboard for everyone.
type LeaderboardHandler struct {
	scoring *service.ScoringService
}

// NewLeaderboardHandler creates a new LeaderboardHandler.
func NewLeaderboardHandler(scoring *service.ScoringService) *LeaderboardHandler {
	return &LeaderboardHandler{scoring: scoring}
}

// HandleLeaderboard handles the /leaderboard command.
func (h *LeaderboardHandler) HandleLeaderboard(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	rows, err := h.scoring.Leaderboard(ctx, leaderboardSize)
	if err != nil {
		return c.Send(describeError(err))
	}
	return c.Send(formatLeaderboard(rows))
}

func formatLeaderboard(rows []service.LeaderboardEntry) string {
	if len(rows) == 0 {
		return "Hali leaderboard bo'sh."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "🏆 Top %d\n", leaderboardSize)
	for _, r := range rows {
		fmt.Fprintf(&sb, "\n%d. %s - %d ball | streak %d", r.Rank, r.Name, r.Points, r.Streak)
	}
	return sb.String()
}

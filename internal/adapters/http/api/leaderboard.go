package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/okian/scoreboard/internal/domain/model"
)

// LeaderboardDependencies defines the interface for leaderboard operations.
type LeaderboardDependencies interface {
	Leaderboard(ctx context.Context, limit int) ([]model.RankedRow, error)
}

// LeaderboardHandler handles leaderboard requests.
type LeaderboardHandler struct {
	deps         LeaderboardDependencies
	defaultLimit int
	maxLimit     int
}

// NewLeaderboardHandler creates a new leaderboard handler.
func NewLeaderboardHandler(deps LeaderboardDependencies, defaultLimit, maxLimit int) *LeaderboardHandler {
	return &LeaderboardHandler{
		deps:         deps,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

type leaderboardResponse struct {
	Leaderboard []model.RankedRow `json:"leaderboard"`
}

// HandleGetLeaderboard handles GET /leaderboard?limit=N requests.
func (h *LeaderboardHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_leaderboard"
	n := h.defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		n, err = strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			writeError(w, NewKind(op, ErrBadRequest))
			return
		}
	}
	if n > h.maxLimit {
		writeError(w, NewKind(op, ErrLimitExceeded))
		return
	}
	rows, err := h.deps.Leaderboard(r.Context(), n)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	if rows == nil {
		rows = []model.RankedRow{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{Leaderboard: rows})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/okian/scoreboard/internal/domain/model"
)

const maxParticipantIDBytes = 255

// ScoreDependencies defines the interface for score ingestion.
type ScoreDependencies interface {
	Submit(ctx context.Context, e model.ScoreEvent) (duplicate bool, err error)
	Remove(ctx context.Context, participantID string) error
}

// ScoresHandler handles score submissions and removals.
type ScoresHandler struct {
	deps ScoreDependencies
}

// NewScoresHandler creates a new scores handler.
func NewScoresHandler(deps ScoreDependencies) *ScoresHandler {
	return &ScoresHandler{deps: deps}
}

// scoreRequest mirrors the OpenAPI schema for POST /scores.
type scoreRequest struct {
	ParticipantID string `json:"participant_id"`
	Score         *int64 `json:"score"`
	OccurredAt    string `json:"occurred_at"`
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// normalizeParticipantID returns the NFC form of id or an error when it is
// empty, not UTF-8 or longer than 255 bytes.
func normalizeParticipantID(id string) (string, error) {
	if !utf8.ValidString(id) {
		return "", errors.New("participant_id is not valid UTF-8")
	}
	id = norm.NFC.String(id)
	switch {
	case strings.TrimSpace(id) == "":
		return "", errors.New("missing participant_id")
	case len(id) > maxParticipantIDBytes:
		return "", fmt.Errorf("participant_id exceeds %d bytes", maxParticipantIDBytes)
	}
	return id, nil
}

func (r scoreRequest) event() (model.ScoreEvent, error) {
	id, err := normalizeParticipantID(r.ParticipantID)
	if err != nil {
		return model.ScoreEvent{}, err
	}
	switch {
	case r.Score == nil:
		return model.ScoreEvent{}, errors.New("missing score")
	case *r.Score < 0:
		return model.ScoreEvent{}, errors.New("score must be non-negative")
	case strings.TrimSpace(r.OccurredAt) == "":
		return model.ScoreEvent{}, errors.New("missing occurred_at")
	}
	at, err := time.Parse(time.RFC3339Nano, r.OccurredAt)
	if err != nil {
		return model.ScoreEvent{}, errors.New("invalid occurred_at; must be RFC3339")
	}
	return model.ScoreEvent{ParticipantID: id, Score: *r.Score, OccurredAt: at.UTC()}, nil
}

// HandlePostScore handles POST /scores requests.
func (h *ScoresHandler) HandlePostScore(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_score"
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req scoreRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	e, err := req.event()
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	dup, err := h.deps.Submit(r.Context(), e)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	if dup {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}

// HandleDeleteScore handles DELETE /scores/{id} requests.
func (h *ScoresHandler) HandleDeleteScore(w http.ResponseWriter, r *http.Request) {
	const op = "api.delete_score"
	id, err := normalizeParticipantID(r.PathValue("id"))
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.deps.Remove(r.Context(), id); err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Event is the body of POST /scores.
type Event struct {
	ParticipantID string `json:"participant_id"`
	Score         int64  `json:"score"`
	OccurredAt    string `json:"occurred_at"`
}

// Entry is one ranked row as served by /leaderboard and /rank/{id}.
type Entry struct {
	ParticipantID string `json:"participant_id"`
	Score         int64  `json:"score"`
	Rank          int    `json:"rank"`
	DisplayName   string `json:"display_name,omitempty"`
}

// Outcome is the service's answer to a submission.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDuplicate
	OutcomeRejected
)

// ErrNotFound is returned by Rank for unknown participants.
var ErrNotFound = errors.New("participant not found")

type leaderboardResponse struct {
	Leaderboard []Entry `json:"leaderboard"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the scoreboard HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Submit posts one event. Validation and backpressure responses are
// reported as OutcomeRejected with a nil error; transport failures and
// server errors return an error.
func (c *Client) Submit(ctx context.Context, ev Event) (Outcome, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("marshal event: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/scores", body)
	if err != nil {
		return OutcomeRejected, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return OutcomeAccepted, nil
	case resp.StatusCode == http.StatusOK:
		return OutcomeDuplicate, nil
	case resp.StatusCode < http.StatusInternalServerError:
		return OutcomeRejected, nil
	default:
		return OutcomeRejected, fmt.Errorf("submit: status %d", resp.StatusCode)
	}
}

// Rank fetches GET /rank/{id}.
func (c *Client) Rank(ctx context.Context, participantID string) (Entry, error) {
	resp, err := c.do(ctx, http.MethodGet, "/rank/"+url.PathEscape(participantID), nil)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Entry{}, ErrNotFound
	default:
		return Entry{}, statusError(resp)
	}
	var e Entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("decode rank: %w", err)
	}
	return e, nil
}

// Leaderboard fetches GET /leaderboard?limit=n.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]Entry, error) {
	resp, err := c.do(ctx, http.MethodGet, "/leaderboard?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var lb leaderboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&lb); err != nil {
		return nil, fmt.Errorf("decode leaderboard: %w", err)
	}
	return lb.Leaderboard, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	var e errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e); err == nil && e.Code != "" {
		return fmt.Errorf("status %d: %s: %s", resp.StatusCode, e.Code, e.Message)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

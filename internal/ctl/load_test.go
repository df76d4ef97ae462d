package ctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScoreboard is an in-memory stand-in for the service's HTTP API.
type fakeScoreboard struct {
	mu       sync.Mutex
	scores   map[string]int64
	seen     map[string]bool
	unsorted bool
	healthy  bool
}

func newFakeScoreboard() *fakeScoreboard {
	return &fakeScoreboard{scores: map[string]int64{}, seen: map[string]bool{}, healthy: true}
}

func (f *fakeScoreboard) ranked() []Entry {
	out := make([]Entry, 0, len(f.scores))
	for id, s := range f.scores {
		out = append(out, Entry{ParticipantID: id, Score: s})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if outranks(a.Score, a.ParticipantID, b.Score, b.ParticipantID) {
			return -1
		}
		return 1
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func (f *fakeScoreboard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if !f.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /scores", func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		key := fmt.Sprintf("%s|%d|%s", ev.ParticipantID, ev.Score, ev.OccurredAt)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.seen[key] {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"duplicate","duplicate":true}`))
			return
		}
		f.seen[key] = true
		f.scores[ev.ParticipantID] = ev.Score
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted","duplicate":false}`))
	})
	mux.HandleFunc("GET /rank/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, e := range f.ranked() {
			if e.ParticipantID == r.PathValue("id") {
				_ = json.NewEncoder(w).Encode(e)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /leaderboard", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		f.mu.Lock()
		board := f.ranked()
		f.mu.Unlock()
		if limit > 0 && limit < len(board) {
			board = board[:limit]
		}
		if f.unsorted && len(board) > 1 {
			board[0], board[1] = board[1], board[0]
		}
		_ = json.NewEncoder(w).Encode(leaderboardResponse{Leaderboard: board})
	})
	return mux
}

func TestLoad_VerifiesAgainstService(t *testing.T) {
	fake := newFakeScoreboard()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	out, err := execute(t, "load", "--url", srv.URL, "-n", "40", "--duplicates", "10",
		"-w", "4", "--top", "5", "--settle", "0s", "--format", "json")
	require.NoError(t, err)

	var report LoadReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 40, report.Participants)
	assert.Equal(t, int64(50), report.Submitted)
	assert.Equal(t, int64(40), report.Accepted)
	assert.Equal(t, int64(10), report.Duplicates)
	assert.Zero(t, report.Failed)
	assert.Equal(t, int64(40), report.RanksFetched)
	assert.Len(t, report.Leaderboard, 5)
	assert.Empty(t, report.Violations)
	assert.Len(t, fake.scores, 40)
}

func TestLoad_TextReport(t *testing.T) {
	srv := httptest.NewServer(newFakeScoreboard().handler())
	defer srv.Close()

	out, err := execute(t, "load", "--url", srv.URL+"/", "-n", "5", "--settle", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "participants: 5")
	assert.Contains(t, out, "verification: ok")
}

func TestLoad_DetectsMisorderedLeaderboard(t *testing.T) {
	fake := newFakeScoreboard()
	fake.unsorted = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	out, err := execute(t, "load", "--url", srv.URL, "-n", "20", "--settle", "0s", "--max-score", "1000000000")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "out of order")
}

func TestLoad_UnhealthyService(t *testing.T) {
	fake := newFakeScoreboard()
	fake.healthy = false
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := execute(t, "load", "--url", srv.URL, "-n", "5", "--settle", "0s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
	assert.Contains(t, err.Error(), "unavailable")
	assert.Empty(t, fake.scores)
}

func TestLoad_FlagValidation(t *testing.T) {
	cases := [][]string{
		{"-n", "0"},
		{"-n", "5", "--duplicates", "6"},
		{"-w", "0"},
		{"--top", "0"},
		{"--max-score", "0"},
	}
	for _, args := range cases {
		_, err := execute(t, append([]string{"load", "--url", "http://127.0.0.1:1", "--settle", "0s"}, args...)...)
		require.Error(t, err, "args %v", args)
		assert.Equal(t, ExitCommandError, ExitCode(err), "args %v", args)
	}
}

package ctl

import (
	"fmt"
	"slices"
	"strings"
)

// verify checks what the service reports against what was submitted. The
// service may hold participants from earlier runs, so only the relative
// placement of submitted participants is asserted.
func verify(events []Event, landed map[string]bool, ranks map[string]Entry, board []Entry) []string {
	var out []string
	out = append(out, verifyOrdering(board)...)

	sent := make(map[string]int64, len(events))
	var best *Event
	for i := range events {
		ev := &events[i]
		sent[ev.ParticipantID] = ev.Score
		if !landed[ev.ParticipantID] {
			continue
		}
		if best == nil || ev.Score > best.Score ||
			(ev.Score == best.Score && ev.ParticipantID < best.ParticipantID) {
			best = ev
		}
		row, ok := ranks[ev.ParticipantID]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("%s was accepted but has no rank", ev.ParticipantID))
		case row.Score != ev.Score:
			out = append(out, fmt.Sprintf("%s ranked with score %d, sent %d", ev.ParticipantID, row.Score, ev.Score))
		}
	}

	for _, row := range board {
		if want, ok := sent[row.ParticipantID]; ok && row.Score != want {
			out = append(out, fmt.Sprintf("leaderboard shows %s with score %d, sent %d", row.ParticipantID, row.Score, want))
		}
		if r, ok := ranks[row.ParticipantID]; ok && r.Rank != row.Rank {
			out = append(out, fmt.Sprintf("leaderboard ranks %s at %d, rank endpoint says %d", row.ParticipantID, row.Rank, r.Rank))
		}
	}

	if best == nil {
		return out
	}
	if len(board) == 0 {
		return append(out, "leaderboard is empty after accepted submissions")
	}
	if board[0].Score < best.Score {
		out = append(out, fmt.Sprintf("top score %d is below submitted %d for %s", board[0].Score, best.Score, best.ParticipantID))
	}
	last := board[len(board)-1]
	if outranks(best.Score, best.ParticipantID, last.Score, last.ParticipantID) &&
		!slices.ContainsFunc(board, func(e Entry) bool { return e.ParticipantID == best.ParticipantID }) {
		out = append(out, fmt.Sprintf("%s with score %d is missing from the leaderboard", best.ParticipantID, best.Score))
	}
	return out
}

// verifyOrdering checks 1-based contiguous ranks, non-increasing scores and
// ascending participant ids among ties.
func verifyOrdering(board []Entry) []string {
	var out []string
	for i, row := range board {
		if row.Rank != i+1 {
			out = append(out, fmt.Sprintf("entry %d has rank %d", i, row.Rank))
		}
		if i == 0 {
			continue
		}
		prev := board[i-1]
		if !outranks(prev.Score, prev.ParticipantID, row.Score, row.ParticipantID) {
			out = append(out, fmt.Sprintf("entry %d (%s, %d) is out of order after %s, %d",
				i, row.ParticipantID, row.Score, prev.ParticipantID, prev.Score))
		}
	}
	return out
}

// outranks reports whether (scoreA, idA) sorts strictly before (scoreB, idB).
func outranks(scoreA int64, idA string, scoreB int64, idB string) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	return strings.Compare(idA, idB) < 0
}

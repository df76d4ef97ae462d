// Package snapshot computes content fingerprints and rank diffs over ranked
// snapshots.
package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/okian/scoreboard/internal/domain/model"
)

// Fingerprint hashes the ordered (participant_id, score) pairs of s.
// Ranks and enrichment attributes do not contribute.
func Fingerprint(s model.RankedSnapshot) string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(s.Rows)))
	h.Write(buf[:])
	for _, row := range s.Rows {
		// length prefix keeps ("ab", 1) distinct from ("a", ...) concatenations
		binary.BigEndian.PutUint64(buf[:], uint64(len(row.ParticipantID)))
		h.Write(buf[:])
		h.Write([]byte(row.ParticipantID))
		binary.BigEndian.PutUint64(buf[:], uint64(row.Score))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Diff lists the participants of next whose rank differs from prev, with
// new entrants carrying a nil OldRank. Results are ordered by new rank.
// Participants that left the snapshot are not listed.
func Diff(prev, next model.RankedSnapshot) []model.RankChange {
	old := make(map[string]int, len(prev.Rows))
	for _, row := range prev.Rows {
		old[row.ParticipantID] = row.Rank
	}

	changes := make([]model.RankChange, 0)
	for _, row := range next.Rows {
		was, ok := old[row.ParticipantID]
		if ok && was == row.Rank {
			continue
		}
		c := model.RankChange{ParticipantID: row.ParticipantID, NewRank: row.Rank}
		if ok {
			r := was
			c.OldRank = &r
		}
		changes = append(changes, c)
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].NewRank < changes[j].NewRank })
	return changes
}

// Validate checks the ordering rules of a snapshot: ranks are 1..N, scores
// never increase and ties are ordered by ascending participant id.
func Validate(s model.RankedSnapshot) error {
	for i, row := range s.Rows {
		if row.ParticipantID == "" || row.Rank != i+1 {
			return model.ErrValidationRejected
		}
		if i == 0 {
			continue
		}
		prev := s.Rows[i-1]
		if row.Score > prev.Score || (row.Score == prev.Score && row.ParticipantID <= prev.ParticipantID) {
			return model.ErrValidationRejected
		}
	}
	return nil
}

// Sanitize returns s with the rows that break the ordering rules dropped
// and ranks renumbered from 1. A row is dropped when its id is empty or it
// does not rank strictly below the last row kept. The second result is the
// number of rows dropped.
func Sanitize(s model.RankedSnapshot) (model.RankedSnapshot, int) {
	out := model.RankedSnapshot{Rows: make([]model.RankedRow, 0, len(s.Rows))}
	for _, row := range s.Rows {
		if row.ParticipantID == "" {
			continue
		}
		if n := len(out.Rows); n > 0 {
			last := out.Rows[n-1]
			if row.Score > last.Score || (row.Score == last.Score && row.ParticipantID <= last.ParticipantID) {
				continue
			}
		}
		row.Rank = len(out.Rows) + 1
		out.Rows = append(out.Rows, row)
	}
	return out, len(s.Rows) - len(out.Rows)
}

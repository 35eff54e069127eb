// Package domain holds the progress records, anonymous sessions and aggregate statistics
// kept by the progress sync engine, plus the pure merge and accumulation rules.
package domain

import (
	"sort"
	"time"
)

// AnonymousUserID owns the local records of play that happened before authentication.
const AnonymousUserID = "anonymous"

// Record is the aggregate progress of one user in one category. Counters never decrease
// except through an explicit clear, which deletes the record.
type Record struct {
	UserID         string    `json:"userId"`
	Category       string    `json:"category"`
	CorrectAnswers uint      `json:"correctAnswers"`
	WrongAnswers   uint      `json:"wrongAnswers"`
	TotalGames     uint      `json:"totalGames"`
	BestStreak     uint      `json:"bestStreak"`
	LastPlayedAt   time.Time `json:"lastPlayedAt"`
}

// Outcome is the result of one completed game session.
type Outcome struct {
	Category string    `json:"category"`
	Correct  uint      `json:"correct"`
	Wrong    uint      `json:"wrong"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// Apply adds an outcome to r: counters are summed, totalGames grows by one, bestStreak keeps
// the larger of the stored value and EstimateStreak(o), lastPlayedAt becomes o.End (never moving back).
func (r Record) Apply(o Outcome) Record {
	r.CorrectAnswers += o.Correct
	r.WrongAnswers += o.Wrong
	r.TotalGames++
	if s := EstimateStreak(o); s > r.BestStreak {
		r.BestStreak = s
	}
	if o.End.After(r.LastPlayedAt) {
		r.LastPlayedAt = o.End
	}
	return r
}

// EstimateStreak approximates the longest run of correct answers from aggregate counts.
// With c correct and w wrong answers the correct ones form at most w+1 runs, so the longest
// run is at least ceil(c/(w+1)); that lower bound is what is recorded.
func EstimateStreak(o Outcome) uint {
	if o.Correct == 0 {
		return 0
	}
	runs := o.Wrong + 1
	return (o.Correct + runs - 1) / runs
}

// Merge combines a local and a server record: each counter takes the maximum of the two and
// lastPlayedAt the later timestamp. Merge is commutative and idempotent.
func Merge(local, server Record) Record {
	out := local
	if out.UserID == "" {
		out.UserID = server.UserID
	}
	if out.Category == "" {
		out.Category = server.Category
	}
	out.CorrectAnswers = maxUint(local.CorrectAnswers, server.CorrectAnswers)
	out.WrongAnswers = maxUint(local.WrongAnswers, server.WrongAnswers)
	out.TotalGames = maxUint(local.TotalGames, server.TotalGames)
	out.BestStreak = maxUint(local.BestStreak, server.BestStreak)
	if server.LastPlayedAt.After(local.LastPlayedAt) {
		out.LastPlayedAt = server.LastPlayedAt
	}
	return out
}

// MergeAll merges server records into local ones per category. Categories only present on one
// side are kept as-is. The result is sorted by category.
func MergeAll(userID string, local, server []Record) []Record {
	byCat := make(map[string]Record, len(local)+len(server))
	for _, r := range local {
		r.UserID = userID
		if cur, ok := byCat[r.Category]; ok {
			r = Merge(cur, r)
		}
		byCat[r.Category] = r
	}
	for _, r := range server {
		r.UserID = userID
		if cur, ok := byCat[r.Category]; ok {
			byCat[r.Category] = Merge(cur, r)
			continue
		}
		byCat[r.Category] = r
	}
	out := make([]Record, 0, len(byCat))
	for _, r := range byCat {
		out = append(out, r)
	}
	SortByCategory(out)
	return out
}

// SortByCategory sorts records in place by category name.
func SortByCategory(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Category < rs[j].Category })
}

func maxUint(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}

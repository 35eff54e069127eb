package domain

import "time"

// AggregateStats sums a user's progress across categories.
type AggregateStats struct {
	TotalGames     uint      `json:"totalGames"`
	CorrectAnswers uint      `json:"correctAnswers"`
	WrongAnswers   uint      `json:"wrongAnswers"`
	BestStreak     uint      `json:"bestStreak"`
	Accuracy       float64   `json:"accuracy"`
	LastPlayedAt   time.Time `json:"lastPlayedAt,omitempty"`
	Categories     []Record  `json:"categories"`
	// FromServer is true when the stats came from the game-stats gateway rather than the local fallback.
	FromServer bool `json:"fromServer"`
}

// Sum computes aggregate stats from per-category records. Zero records yield zeroed stats.
func Sum(records []Record) AggregateStats {
	out := AggregateStats{Categories: make([]Record, 0, len(records))}
	for _, r := range records {
		out.TotalGames += r.TotalGames
		out.CorrectAnswers += r.CorrectAnswers
		out.WrongAnswers += r.WrongAnswers
		if r.BestStreak > out.BestStreak {
			out.BestStreak = r.BestStreak
		}
		if r.LastPlayedAt.After(out.LastPlayedAt) {
			out.LastPlayedAt = r.LastPlayedAt
		}
		out.Categories = append(out.Categories, r)
	}
	SortByCategory(out.Categories)
	if answered := out.CorrectAnswers + out.WrongAnswers; answered > 0 {
		out.Accuracy = float64(out.CorrectAnswers) / float64(answered)
	}
	return out
}

package sequence

import "math"

// TransitionStats tracks one (from, to) pattern adjacency with online gap
// statistics, so full gap histories never need to be stored.
type TransitionStats struct {
	FromPattern    string  `json:"from_pattern"`
	ToPattern      string  `json:"to_pattern"`
	Count          int     `json:"count"`
	MeanGapSeconds float64 `json:"mean_gap_seconds"`
	StdGapSeconds  float64 `json:"std_gap_seconds"`
	MinGapSeconds  float64 `json:"min_gap_seconds"`
	MaxGapSeconds  float64 `json:"max_gap_seconds"`
}

// observe folds one inter-event gap into the stats using Welford's online
// mean/variance update.
func (s *TransitionStats) observe(gapSeconds float64) {
	s.Count++
	if s.Count == 1 {
		s.MeanGapSeconds = gapSeconds
		s.MinGapSeconds = gapSeconds
		s.MaxGapSeconds = gapSeconds
		return
	}

	delta := gapSeconds - s.MeanGapSeconds
	s.MeanGapSeconds += delta / float64(s.Count)
	delta2 := gapSeconds - s.MeanGapSeconds
	s.StdGapSeconds = math.Sqrt(
		(s.StdGapSeconds*s.StdGapSeconds*float64(s.Count-1) + delta*delta2) / float64(s.Count))
	s.MinGapSeconds = math.Min(s.MinGapSeconds, gapSeconds)
	s.MaxGapSeconds = math.Max(s.MaxGapSeconds, gapSeconds)
}

package archive

import (
	"math"
	"time"
)

// Scorer assigns retention scores and the TOKEEP overlay. It stands for the
// extraction layer's computeExtractScore and computeArchiveStatus.
type Scorer interface {
	// ComputeScores recomputes ExtractScore for every archive of c.
	ComputeScores(c *Collection)
	// Status returns the archive's state including the TOKEEP overlay.
	Status(a *Archive, now time.Time) State
	// MaxScore is the upper bound of ExtractScore.
	MaxScore() float64
}

// DefaultScorer scores archives by how many distinct servers can supply them.
type DefaultScorer struct {
	Max        float64       // Score of an archive supplied Redundancy times or more
	Redundancy int           // Number of distinct suppliers considered safe
	KeepTTL    time.Duration // Freshly cached archives are kept this long
}

// NewDefaultScorer returns a scorer with the given bounds. Non-positive
// values fall back to max 10 and redundancy 3.
func NewDefaultScorer(max float64, redundancy int, keepTTL time.Duration) *DefaultScorer {
	if max <= 0 {
		max = 10
	}
	if redundancy <= 0 {
		redundancy = 3
	}
	return &DefaultScorer{Max: max, Redundancy: redundancy, KeepTTL: keepTTL}
}

// MaxScore implements Scorer.
func (s *DefaultScorer) MaxScore() float64 {
	return s.Max
}

// ComputeScores implements Scorer. Top-level archives score on their own
// suppliers; an archive extractable from containers also inherits, per
// container, the weakest parent's score, and keeps the best value found.
func (s *DefaultScorer) ComputeScores(c *Collection) {
	done := make(map[*Archive]bool)
	visiting := make(map[*Archive]bool)
	for _, a := range c.Archives() {
		s.score(a, done, visiting)
	}
}

func (s *DefaultScorer) score(a *Archive, done, visiting map[*Archive]bool) float64 {
	if done[a] {
		return a.ExtractScore
	}
	if visiting[a] {
		return 0
	}
	visiting[a] = true
	defer delete(visiting, a)

	best := s.ownScore(a)
	for _, ct := range a.FromContainers {
		if len(ct.Parents) == 0 {
			continue
		}
		weakest := math.Inf(1)
		for _, p := range ct.Parents {
			weakest = math.Min(weakest, s.score(p, done, visiting))
		}
		best = math.Max(best, weakest)
	}

	a.ExtractScore = best
	done[a] = true
	return best
}

func (s *DefaultScorer) ownScore(a *Archive) float64 {
	suppliers := make(map[string]struct{})
	for r := range a.RemoteSupplies {
		suppliers[r.Server.Fingerprint] = struct{}{}
	}
	for r := range a.FinalSupplies {
		suppliers[r.Server.Fingerprint] = struct{}{}
	}
	if a.IsLocal() {
		suppliers[a.LocalSupply.Server.Fingerprint] = struct{}{}
	}
	return math.Min(s.Max, float64(len(suppliers))*s.Max/float64(s.Redundancy))
}

// Status implements Scorer. An available archive is kept while pinned, while
// somebody demands it, and while its local supply is younger than KeepTTL or
// dated NeverEvict.
func (s *DefaultScorer) Status(a *Archive, now time.Time) State {
	base := a.DeriveState()
	if base != StateAvailable {
		return base
	}
	if a.KeepCount > 0 || a.HasDemand() {
		return StateToKeep
	}
	date := a.LocalSupply.Date
	if !date.Before(NeverEvict) {
		return StateToKeep
	}
	if s.KeepTTL > 0 && now.Sub(date) < s.KeepTTL {
		return StateToKeep
	}
	return StateAvailable
}

package services

import (
	"strings"

	"github.com/google/uuid"
)

// ConfidenceTier buckets a continuous confidence score for downstream policy.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "HIGH"
	TierMedium ConfidenceTier = "MEDIUM"
	TierLow    ConfidenceTier = "LOW"
	TierNone   ConfidenceTier = "NONE"
)

// CandidateScore is the scored comparison of an incoming reference against
// one nominated candidate.
type CandidateScore struct {
	ReferenceID   uuid.UUID      `json:"reference_id"`
	TitleJaccard  float64        `json:"title_jaccard"`
	AuthorOverlap float64        `json:"author_overlap"`
	Combined      float64        `json:"combined"`
	Tier          ConfidenceTier `json:"tier"`
}

// Scorer computes bounded similarity confidence between two references.
type Scorer struct {
	Params Params
}

func NewScorer(p Params) *Scorer {
	return &Scorer{Params: p}
}

// Score compares an incoming title/author list against a candidate's.
// Short titles ("Editorial", "Index") need near-exact title similarity before
// anything else counts, and a title Jaccard below the floor is always out.
func (s *Scorer) Score(candidateID uuid.UUID, title string, authors []string, candTitle string, candAuthors []string) CandidateScore {
	p := s.Params

	inTokens := TokenSet(TokenizeTitle(title))
	candTokens := TokenSet(TokenizeTitle(candTitle))
	titleJ := Jaccard(inTokens, candTokens)

	score := CandidateScore{
		ReferenceID:  candidateID,
		TitleJaccard: titleJ,
		Tier:         TierNone,
	}

	if len(inTokens) <= p.ShortTitleMaxTokens || len(candTokens) <= p.ShortTitleMaxTokens {
		if titleJ < p.ShortTitleJaccard {
			return score
		}
	}

	overlap := authorOverlap(authors, candAuthors, p.AuthorCap)
	score.AuthorOverlap = overlap
	score.Combined = p.TitleWeight*titleJ + (1-p.TitleWeight)*overlap

	if titleJ < p.JaccardFloor {
		// Combined score alone never carries a match past the floor.
		return score
	}

	switch {
	case score.Combined >= p.HighConfidence:
		score.Tier = TierHigh
	case score.Combined >= p.MediumConfidence:
		score.Tier = TierMedium
	case score.Combined >= p.JaccardFloor:
		score.Tier = TierLow
	}
	return score
}

// authorOverlap counts shared surnames over the fixed cap, clamped to 1, so
// very large collaborations cannot saturate the signal.
func authorOverlap(a, b []string, authorCap int) float64 {
	if authorCap <= 0 || len(a) == 0 || len(b) == 0 {
		return 0
	}
	bs := make(map[string]struct{}, len(b))
	for _, name := range b {
		if k := surnameKey(name); k != "" {
			bs[k] = struct{}{}
		}
	}
	shared := 0
	seen := make(map[string]struct{}, len(a))
	for _, name := range a {
		k := surnameKey(name)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := bs[k]; ok {
			shared++
		}
	}
	overlap := float64(shared) / float64(authorCap)
	if overlap > 1 {
		overlap = 1
	}
	return overlap
}

// surnameKey reduces an author name to a comparable surname token. Handles
// both "Marie Curie" and "Curie, Marie".
func surnameKey(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.Index(name, ","); i >= 0 {
		name = name[:i]
	}
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	tokens := TokenizeTitle(fields[len(fields)-1])
	if len(tokens) == 0 {
		return ""
	}
	return strings.Join(tokens, "")
}

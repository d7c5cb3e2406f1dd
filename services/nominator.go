package services

import (
	"context"

	"go.uber.org/zap"

	"ref-keeper/search"
)

// Nominator retrieves plausible duplicate candidates from the text-search
// collaborator when identifiers were inconclusive.
type Nominator struct {
	Index  search.Index
	Params Params
	Logger *zap.Logger
}

func NewNominator(index search.Index, params Params, logger *zap.Logger) *Nominator {
	return &Nominator{Index: index, Params: params, Logger: logger}
}

// Nominate returns the top-K candidates for a title, or nothing when the
// title carries too little signal to search on. The index is eventually
// consistent; an empty result is a completeness gap, not an error.
func (n *Nominator) Nominate(ctx context.Context, title string) ([]search.Candidate, error) {
	if !n.Searchable(title) {
		return nil, nil
	}
	tokens := TokenizeTitle(title)
	candidates, err := n.Index.Search(ctx, tokens, n.Params.SearchTopK)
	if err != nil {
		return nil, err
	}
	n.Logger.Debug("candidates nominated",
		zap.Int("tokens", len(tokens)),
		zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// Searchable reports whether a title is informative enough to query on.
func (n *Nominator) Searchable(title string) bool {
	if len([]rune(title)) < n.Params.MinTitleChars {
		return false
	}
	return len(TokenizeTitle(title)) > 0
}

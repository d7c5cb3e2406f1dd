package services

import "ref-keeper/config"

// Params bundles the matching thresholds the engine runs with. Injected so
// tests can pin them.
type Params struct {
	// JaccardFloor is the minimum title Jaccard below which a candidate is
	// never accepted, regardless of the combined score.
	JaccardFloor float64

	// ShortTitleMaxTokens and ShortTitleJaccard implement the short-title
	// rule: titles of at most ShortTitleMaxTokens tokens need near-exact
	// title similarity to match at all.
	ShortTitleMaxTokens int
	ShortTitleJaccard   float64

	// Tier cut-offs on the combined score.
	HighConfidence   float64
	MediumConfidence float64

	// TitleWeight is the share of the combined score carried by the title;
	// the remainder comes from capped author overlap.
	TitleWeight float64

	// AuthorCap normalizes author overlap so huge collaborations cannot
	// dominate the combined score.
	AuthorCap int

	// MaxChainDepth bounds how many duplicate hops may be walked to reach a
	// root canonical before resolution gives up with DECOUPLED.
	MaxChainDepth int

	// SearchTopK limits candidate nomination.
	SearchTopK int

	// MinTitleChars is the minimum informative title length for nomination.
	MinTitleChars int
}

// DefaultParams returns the operationally tuned starting points.
func DefaultParams() Params {
	return Params{
		JaccardFloor:        0.3,
		ShortTitleMaxTokens: 2,
		ShortTitleJaccard:   0.9,
		HighConfidence:      0.85,
		MediumConfidence:    0.65,
		TitleWeight:         0.7,
		AuthorCap:           10,
		MaxChainDepth:       4,
		SearchTopK:          20,
		MinTitleChars:       8,
	}
}

// ParamsFromConfig maps the environment configuration onto engine parameters.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		JaccardFloor:        cfg.JaccardFloor,
		ShortTitleMaxTokens: cfg.ShortTitleMaxTokens,
		ShortTitleJaccard:   cfg.ShortTitleJaccard,
		HighConfidence:      cfg.HighConfidence,
		MediumConfidence:    cfg.MediumConfidence,
		TitleWeight:         cfg.TitleWeight,
		AuthorCap:           cfg.AuthorCap,
		MaxChainDepth:       cfg.MaxChainDepth,
		SearchTopK:          cfg.SearchTopK,
		MinTitleChars:       cfg.MinTitleChars,
	}
}

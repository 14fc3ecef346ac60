package query

import "github.com/dshills/codegrep/pkg/types"

// Bucket classifies results for quota selection.
type Bucket int

const (
	BucketCode Bucket = iota
	BucketDocs
	BucketGraph
)

// Profile is one retrieval mode's shaping parameters.
type Profile struct {
	Mode types.Mode

	// Quota shares across buckets, summing to 1.0. Candidates beyond their
	// bucket's quota fill any leftover capacity in ranked order.
	CodeShare  float64
	DocsShare  float64
	GraphShare float64

	// Structural boost multipliers.
	DefinitionBoost float64
	TestPenalty     float64
	DocsScale       float64
	GraphScale      float64

	// PerFileCap limits results from one file when the request sets no
	// per_file; 0 leaves the limit at max results.
	PerFileCap int

	// AllowRerank permits the reranker pass for this mode.
	AllowRerank bool
}

var profiles = map[types.Mode]Profile{
	types.ModeBalanced: {
		Mode:      types.ModeBalanced,
		CodeShare: 0.70, DocsShare: 0.20, GraphShare: 0.10,
		DefinitionBoost: 1.15, TestPenalty: 0.85, DocsScale: 1.0, GraphScale: 1.0,
		PerFileCap: 3, AllowRerank: true,
	},
	types.ModeDiscovery: {
		Mode:      types.ModeDiscovery,
		CodeShare: 0.45, DocsShare: 0.35, GraphShare: 0.20,
		DefinitionBoost: 1.25, TestPenalty: 0.75, DocsScale: 1.2, GraphScale: 1.2,
		PerFileCap: 2, AllowRerank: true,
	},
	types.ModeImplementation: {
		Mode:      types.ModeImplementation,
		CodeShare: 0.90, DocsShare: 0.10, GraphShare: 0.0,
		DefinitionBoost: 1.20, TestPenalty: 0.80, DocsScale: 0.8, GraphScale: 0.5,
		PerFileCap: 5, AllowRerank: true,
	},
	types.ModePlanning: {
		Mode:      types.ModePlanning,
		CodeShare: 0.40, DocsShare: 0.40, GraphShare: 0.20,
		DefinitionBoost: 1.10, TestPenalty: 0.70, DocsScale: 1.3, GraphScale: 1.3,
		PerFileCap: 2, AllowRerank: true,
	},
	types.ModeDebug: {
		Mode:      types.ModeDebug,
		CodeShare: 0.85, DocsShare: 0.10, GraphShare: 0.05,
		DefinitionBoost: 1.10, TestPenalty: 1.0, DocsScale: 0.8, GraphScale: 0.6,
		PerFileCap: 6, AllowRerank: false,
	},
}

// ProfileFor returns the profile for a mode, defaulting to balanced.
func ProfileFor(mode types.Mode) Profile {
	if p, ok := profiles[mode]; ok {
		return p
	}
	return profiles[types.ModeBalanced]
}

package patterns

import (
	"fmt"
	"sort"
	"time"
)

// Config controls the parse tree shape and pattern matching behaviour.
type Config struct {
	// Depth is the number of prefix-token levels below the length level.
	Depth int `yaml:"depth"`
	// SimilarityThreshold is the minimum per-token match fraction (0-1].
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	// MaxChildren bounds the fan-out of any tree node.
	MaxChildren int `yaml:"maxChildren"`
	// MaxPatternsPerNode bounds the pattern clusters held by one leaf.
	MaxPatternsPerNode int `yaml:"maxPatternsPerNode"`
}

// DefaultConfig returns the documented extractor defaults.
func DefaultConfig() Config {
	return Config{
		Depth:               4,
		SimilarityThreshold: 0.5,
		MaxChildren:         100,
		MaxPatternsPerNode:  100,
	}
}

// Validate rejects configurations that cannot produce a working tree.
func (c Config) Validate() error {
	if c.Depth <= 0 {
		return fmt.Errorf("extractor depth must be positive, got %d", c.Depth)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0,1], got %g", c.SimilarityThreshold)
	}
	if c.MaxChildren <= 0 {
		return fmt.Errorf("max children must be positive, got %d", c.MaxChildren)
	}
	if c.MaxPatternsPerNode < 2 {
		return fmt.Errorf("max patterns per node must be at least 2, got %d", c.MaxPatternsPerNode)
	}
	return nil
}

// Input is one raw line with its severity label, for batch parsing.
type Input struct {
	Message  string
	Severity string
}

// Statistics summarises the extractor's pattern registry.
type Statistics struct {
	TotalLogs                int     `json:"total_logs"`
	UniquePatterns           int     `json:"unique_patterns"`
	CompressionRatio         float64 `json:"compression_ratio"`
	AvgPatternFrequency      float64 `json:"avg_pattern_frequency"`
	MaxPatternFrequency      int     `json:"max_pattern_frequency"`
	MinPatternFrequency      int     `json:"min_pattern_frequency"`
	SingleOccurrencePatterns int     `json:"single_occurrence_patterns"`
}

// Extractor incrementally clusters raw log lines into reusable templates
// using a fixed-depth prefix tree plus token-similarity matching. It is not
// safe for concurrent use; callers serialize access per instance.
type Extractor struct {
	cfg Config

	// root is keyed by token count; each entry is a prefix tree of depth
	// at most cfg.Depth.
	root     map[int]*node
	registry map[string]*Pattern

	totalLogs int
}

// New constructs an Extractor, failing fast on invalid configuration.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{
		cfg:      cfg,
		root:     make(map[int]*node),
		registry: make(map[string]*Pattern),
	}, nil
}

// Parse matches a raw line against the known templates, creating a new
// pattern when nothing matches. The returned flag reports whether the
// pattern was created by this call.
func (e *Extractor) Parse(raw, severity string) (*Pattern, bool) {
	e.totalLogs++

	tokens := tokenize(preprocess(raw))
	if len(tokens) == 0 {
		tokens = []string{emptyToken}
	}

	now := time.Now().UTC()
	leaf := e.descend(tokens)

	pattern := e.findMatch(leaf, tokens)
	isNew := pattern == nil
	if isNew {
		pattern = newPattern(tokens, now)
		leaf.patterns = append(leaf.patterns, pattern)
		e.registry[pattern.ID] = pattern
	}

	pattern.update(raw, severity, now)

	if isNew && len(leaf.patterns) > e.cfg.MaxPatternsPerNode {
		absorbed := e.mergeLeaf(leaf)
		if target, ok := absorbed[pattern.ID]; ok {
			// The freshly created pattern was folded into a sibling;
			// report the absorbing pattern to the caller.
			pattern = target
		}
	}
	return pattern, isNew
}

// ParseBatch parses a slice of inputs in order.
func (e *Extractor) ParseBatch(inputs []Input) []*Pattern {
	results := make([]*Pattern, 0, len(inputs))
	for _, in := range inputs {
		severity := in.Severity
		if severity == "" {
			severity = "INFO"
		}
		p, _ := e.Parse(in.Message, severity)
		results = append(results, p)
	}
	return results
}

// Pattern returns a pattern by ID, or nil when unknown.
func (e *Extractor) Pattern(id string) *Pattern {
	return e.registry[id]
}

// AllPatterns returns every registered pattern.
func (e *Extractor) AllPatterns() []*Pattern {
	out := make([]*Pattern, 0, len(e.registry))
	for _, p := range e.registry {
		out = append(out, p)
	}
	return out
}

// TopPatterns returns the n most frequent patterns.
func (e *Extractor) TopPatterns(n int) []*Pattern {
	out := e.AllPatterns()
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// RarePatterns returns patterns seen at most threshold times.
func (e *Extractor) RarePatterns(threshold int) []*Pattern {
	out := make([]*Pattern, 0)
	for _, p := range e.registry {
		if p.Count <= threshold {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count < out[j].Count })
	return out
}

// NewPatterns returns patterns first seen at or after the given time.
func (e *Extractor) NewPatterns(since time.Time) []*Pattern {
	out := make([]*Pattern, 0)
	for _, p := range e.registry {
		if !p.FirstSeen.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

// Statistics reports registry-level extraction statistics.
func (e *Extractor) Statistics() Statistics {
	stats := Statistics{TotalLogs: e.totalLogs, UniquePatterns: len(e.registry)}
	if len(e.registry) == 0 {
		return stats
	}

	total := 0
	maxCount := 0
	minCount := -1
	singles := 0
	for _, p := range e.registry {
		total += p.Count
		if p.Count > maxCount {
			maxCount = p.Count
		}
		if minCount < 0 || p.Count < minCount {
			minCount = p.Count
		}
		if p.Count == 1 {
			singles++
		}
	}

	stats.CompressionRatio = float64(e.totalLogs) / float64(len(e.registry))
	stats.AvgPatternFrequency = float64(total) / float64(len(e.registry))
	stats.MaxPatternFrequency = maxCount
	stats.MinPatternFrequency = minCount
	stats.SingleOccurrencePatterns = singles
	return stats
}

// descend walks (and grows) the tree for the given token sequence, returning
// the leaf whose cluster list should hold the matching pattern. Variable-like
// tokens descend through the wildcard child, as does any token that would
// push a node's fan-out past MaxChildren.
func (e *Extractor) descend(tokens []string) *node {
	length := len(tokens)
	current, ok := e.root[length]
	if !ok {
		current = newNode()
		e.root[length] = current
	}

	depth := e.cfg.Depth
	if length < depth {
		depth = length
	}
	for i := 0; i < depth; i++ {
		key := tokens[i]
		if isVariable(key) {
			key = Wildcard
		}
		child, ok := current.children[key]
		if !ok {
			if len(current.children) >= e.cfg.MaxChildren {
				key = Wildcard
				child, ok = current.children[key]
			}
			if !ok {
				child = newNode()
				current.children[key] = child
			}
		}
		current = child
	}
	return current
}

// findMatch scans the leaf for the best pattern at or above the similarity
// threshold. Ties favour the first pattern encountered, so earlier patterns
// absorb generalization over time. The winner, if imperfect, is generalized
// in place: mismatching literal tokens become wildcards (one-way).
func (e *Extractor) findMatch(leaf *node, tokens []string) *Pattern {
	var best *Pattern
	bestSim := 0.0
	for _, p := range leaf.patterns {
		if len(p.Tokens) != len(tokens) {
			continue
		}
		sim := similarity(p.Tokens, tokens)
		if sim < e.cfg.SimilarityThreshold {
			continue
		}
		if best == nil || sim > bestSim {
			best = p
			bestSim = sim
		}
	}
	if best != nil && bestSim < 1.0 {
		generalize(best, tokens)
	}
	return best
}

// similarity is the fraction of positions where the pattern token equals the
// log token, counting pattern wildcards as always matching.
func similarity(patternTokens, logTokens []string) float64 {
	matches := 0
	for i, pt := range patternTokens {
		if pt == Wildcard || pt == logTokens[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(patternTokens))
}

func generalize(p *Pattern, tokens []string) {
	for i, pt := range p.Tokens {
		if pt != Wildcard && pt != tokens[i] {
			p.Tokens[i] = Wildcard
		}
	}
}

// mergeLeaf enforces the per-leaf pattern budget: the most frequent half is
// kept, and each remaining pattern is folded into a kept pattern of equal
// token length by generalizing mismatches. Patterns that cannot be folded
// stay in the leaf. Absorbed patterns leave the registry; their counts
// survive in the absorbing pattern. The returned map records, per absorbed
// pattern ID, which pattern absorbed it.
func (e *Extractor) mergeLeaf(leaf *node) map[string]*Pattern {
	sort.SliceStable(leaf.patterns, func(i, j int) bool {
		return leaf.patterns[i].Count > leaf.patterns[j].Count
	})

	keepN := e.cfg.MaxPatternsPerNode / 2
	kept := append([]*Pattern(nil), leaf.patterns[:keepN]...)
	overflow := leaf.patterns[keepN:]

	absorbed := make(map[string]*Pattern)
	for _, p := range overflow {
		merged := false
		for _, target := range kept {
			if len(target.Tokens) != len(p.Tokens) {
				continue
			}
			generalize(target, p.Tokens)
			target.Count += p.Count
			for sev, n := range p.SeverityDistribution {
				target.SeverityDistribution[sev] += n
			}
			delete(e.registry, p.ID)
			absorbed[p.ID] = target
			merged = true
			break
		}
		if !merged {
			kept = append(kept, p)
		}
	}

	leaf.patterns = kept
	return absorbed
}

// Package similarity supplies the Recommendation Cache's compute
// function: a lightweight, metadata-only similarity heuristic over the
// adapter catalog. It intentionally never touches embeddings or any
// learned representation — that computation is explicitly out of
// scope; this package only ranks adapters by shared trigger words and
// weight proximity, giving the cache something concrete to coalesce
// and memoize.
package similarity

import (
	"context"
	"sort"
	"strings"

	"github.com/bobmcallan/loraforge/internal/apperr"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/models"
)

// Engine computes RecommendationResult values from the adapter catalog.
type Engine struct {
	adapters interfaces.AdapterLookup
}

// NewEngine constructs a similarity Engine over adapters.
func NewEngine(adapters interfaces.AdapterLookup) *Engine {
	return &Engine{adapters: adapters}
}

// Compute is a cache.ComputeFunc: it ranks the active adapter catalog
// against req and returns the top K.
func (e *Engine) Compute(ctx context.Context, req models.RecommendationRequest) (models.RecommendationResult, error) {
	active, err := e.adapters.ListActive(ctx)
	if err != nil {
		return models.RecommendationResult{}, apperr.Wrap(apperr.KindUnknownAdapter, "failed to list active adapters for recommendation", err)
	}

	k := req.K
	if k <= 0 {
		k = 10
	}

	type scored struct {
		id    string
		score float64
	}

	var target *models.Adapter
	if req.Kind == models.RecommendationSimilar {
		for _, a := range active {
			if a.ID == req.TargetID {
				t := a
				target = t
				break
			}
		}
		if target == nil {
			return models.RecommendationResult{}, apperr.New(apperr.KindUnknownAdapter, "unknown target adapter for similarity query")
		}
	}

	results := make([]scored, 0, len(active))
	for _, a := range active {
		if target != nil && a.ID == target.ID {
			continue
		}
		var score float64
		switch req.Kind {
		case models.RecommendationSimilar:
			score = triggerOverlap(target.TriggerWords, a.TriggerWords) - weightDistance(target.Weight, a.Weight)
		default: // for_prompt
			score = promptAffinity(req.PromptHash, a.TriggerWords)
		}
		results = append(results, scored{id: a.ID, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > k {
		results = results[:k]
	}

	items := make([]models.RecommendationItem, 0, len(results))
	for _, r := range results {
		items = append(items, models.RecommendationItem{AdapterID: r.id, Score: r.score})
	}
	return models.RecommendationResult{Items: items}, nil
}

func triggerOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[strings.ToLower(w)] = struct{}{}
	}
	var shared int
	for _, w := range b {
		if _, ok := set[strings.ToLower(w)]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

func weightDistance(a, b float64) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d
}

// promptAffinity scores an adapter's relevance to a prompt fingerprint
// by substring presence of its trigger words within the prompt hash's
// source text. PromptHash already carries a hashed identity rather
// than the raw prompt, so this degrades to a stable, deterministic but
// low-signal ordering — good enough to exercise the cache path without
// requiring a real text-similarity model.
func promptAffinity(promptHash string, triggerWords []string) float64 {
	if len(triggerWords) == 0 {
		return 0
	}
	var hits float64
	for _, w := range triggerWords {
		if strings.Contains(promptHash, strings.ToLower(w)) {
			hits++
		}
	}
	return hits / float64(len(triggerWords))
}

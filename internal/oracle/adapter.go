package oracle

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// AdapterConfig configures the caching/retrying oracle adapter.
type AdapterConfig struct {
	// External is the external collaborator; nil means fallback-only.
	External Oracle
	// Fallback is the local oracle used after retries are exhausted.
	// Defaults to NewHeuristic(Seed).
	Fallback Oracle
	Seed     int64
	// MaxRetries bounds retry attempts per external call (default 3).
	MaxRetries uint64
	// InitialBackoff is the first retry delay (default 100ms).
	InitialBackoff time.Duration
	// CallTimeout bounds each external attempt (default 30s).
	CallTimeout time.Duration
	// TopK truncates rankings and mutation suggestions (default 3).
	TopK int
}

// Adapter memoizes, retries with exponential backoff, and falls back to a
// local deterministic oracle. Its methods never surface an external failure
// to the caller: the error return is always nil and exists to satisfy the
// Oracle interface.
type Adapter struct {
	cfg      AdapterConfig
	external Oracle
	fallback Oracle

	mu         sync.Mutex
	rankCache  map[string][]ScoredAction
	scoreCache map[string]float64
	mutCache   map[string][]MutationSuggestion
	stats      model.OracleCallStats
}

// NewAdapter builds an adapter around cfg.External, or a fallback-only
// adapter when no external oracle is configured.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Fallback == nil {
		cfg.Fallback = NewHeuristic(cfg.Seed)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Adapter{
		cfg:        cfg,
		external:   cfg.External,
		fallback:   cfg.Fallback,
		rankCache:  make(map[string][]ScoredAction),
		scoreCache: make(map[string]float64),
		mutCache:   make(map[string][]MutationSuggestion),
	}
}

// TopK returns the configured ranking truncation.
func (a *Adapter) TopK() int {
	return a.cfg.TopK
}

// Stats returns a snapshot of accumulated call statistics.
func (a *Adapter) Stats() model.OracleCallStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// TakeStats returns accumulated statistics and resets the counters, so the
// orchestrator can attribute traffic to one cycle.
func (a *Adapter) TakeStats() model.OracleCallStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.stats
	a.stats = model.OracleCallStats{}
	return out
}

func (a *Adapter) RankActions(ctx context.Context, state program.State, actions []program.Action, lib *dsl.Library, task string, topK int) ([]ScoredAction, error) {
	if topK <= 0 {
		topK = a.cfg.TopK
	}
	key := fmt.Sprintf("rank|%s|%s|%d|%d|%s", state.CacheKey(), task, lib.Len(), topK, actionsKey(actions))

	a.mu.Lock()
	a.stats.PolicyCalls++
	if cached, ok := a.rankCache[key]; ok {
		a.stats.CacheHits++
		a.mu.Unlock()
		return append([]ScoredAction(nil), cached...), nil
	}
	a.mu.Unlock()

	ranked, usedFallback := a.callRank(ctx, state, actions, lib, task, topK)

	a.mu.Lock()
	if usedFallback {
		a.stats.Fallbacks++
	}
	a.rankCache[key] = append([]ScoredAction(nil), ranked...)
	a.mu.Unlock()
	return ranked, nil
}

func (a *Adapter) ScoreProgram(ctx context.Context, state program.State, task string, lib *dsl.Library) (float64, error) {
	key := fmt.Sprintf("score|%s|%s|%d", state.CacheKey(), task, lib.Len())

	a.mu.Lock()
	a.stats.ValueCalls++
	if cached, ok := a.scoreCache[key]; ok {
		a.stats.CacheHits++
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	score, usedFallback := a.callScore(ctx, state, task, lib)
	if !state.Complete {
		score *= progressDiscount(state)
	}
	score = clamp01(score)

	a.mu.Lock()
	if usedFallback {
		a.stats.Fallbacks++
	}
	a.scoreCache[key] = score
	a.mu.Unlock()
	return score, nil
}

func (a *Adapter) SuggestMutations(ctx context.Context, spec model.FunctionSpec, lib *dsl.Library, topK int) ([]MutationSuggestion, error) {
	if topK <= 0 {
		topK = a.cfg.TopK
	}
	key := fmt.Sprintf("mut|%s|%s|%d|%d", spec.Name, spec.Body, lib.Len(), topK)

	a.mu.Lock()
	a.stats.MutationCalls++
	if cached, ok := a.mutCache[key]; ok {
		a.stats.CacheHits++
		a.mu.Unlock()
		return append([]MutationSuggestion(nil), cached...), nil
	}
	a.mu.Unlock()

	suggestions, usedFallback := a.callMutations(ctx, spec, lib, topK)

	a.mu.Lock()
	if usedFallback {
		a.stats.Fallbacks++
	}
	a.mutCache[key] = append([]MutationSuggestion(nil), suggestions...)
	a.mu.Unlock()
	return suggestions, nil
}

func (a *Adapter) callRank(ctx context.Context, state program.State, actions []program.Action, lib *dsl.Library, task string, topK int) ([]ScoredAction, bool) {
	if a.external != nil {
		var ranked []ScoredAction
		err := a.retry(ctx, func(callCtx context.Context) error {
			var callErr error
			ranked, callErr = a.external.RankActions(callCtx, state, actions, lib, task, topK)
			return callErr
		})
		if err == nil {
			return ranked, false
		}
	}
	ranked, _ := a.fallback.RankActions(ctx, state, actions, lib, task, topK)
	return ranked, a.external != nil
}

func (a *Adapter) callScore(ctx context.Context, state program.State, task string, lib *dsl.Library) (float64, bool) {
	if a.external != nil {
		var score float64
		err := a.retry(ctx, func(callCtx context.Context) error {
			var callErr error
			score, callErr = a.external.ScoreProgram(callCtx, state, task, lib)
			return callErr
		})
		if err == nil {
			return clamp01(score), false
		}
	}
	score, _ := a.fallback.ScoreProgram(ctx, state, task, lib)
	return clamp01(score), a.external != nil
}

func (a *Adapter) callMutations(ctx context.Context, spec model.FunctionSpec, lib *dsl.Library, topK int) ([]MutationSuggestion, bool) {
	if a.external != nil {
		var suggestions []MutationSuggestion
		err := a.retry(ctx, func(callCtx context.Context) error {
			var callErr error
			suggestions, callErr = a.external.SuggestMutations(callCtx, spec, lib, topK)
			return callErr
		})
		if err == nil {
			return suggestions, false
		}
	}
	suggestions, _ := a.fallback.SuggestMutations(ctx, spec, lib, topK)
	return suggestions, a.external != nil
}

// retry runs op with per-attempt timeouts under exponential backoff until it
// succeeds, the retry budget is spent, or ctx is cancelled.
func (a *Adapter) retry(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.InitialBackoff
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()
		return op(callCtx)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, a.cfg.MaxRetries), ctx))
}

// progressDiscount scales incomplete-program scores by construction
// progress against an assumed reasonable program length, capped at 0.8.
func progressDiscount(state program.State) float64 {
	progress := float64(len(state.BodyTokens)) / 10.0
	if progress > 0.8 {
		progress = 0.8
	}
	return progress
}

// actionsKey digests the full action set, so legal-action sets that share a
// prefix still get distinct cache entries.
func actionsKey(actions []program.Action) string {
	h := fnv.New64a()
	for _, action := range actions {
		h.Write([]byte(action.Key()))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%d:%x", len(actions), h.Sum64())
}

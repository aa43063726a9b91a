// Package cache implements the two-layer model-response cache: an exact-key
// L1 with TTL and LRU eviction, and a semantic L2 that matches prompts by
// embedding similarity within the same model and temperature band.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petitionlabs/gavel/pkg/embedder"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/logger"
	"github.com/petitionlabs/gavel/pkg/vector"
)

const cacheCollection = "gavel_response_cache"

// Layer identifies which cache layer served a hit.
type Layer string

const (
	LayerExact    Layer = "l1"
	LayerSemantic Layer = "l2"
)

// Entry is one cached model response.
type Entry struct {
	KeyHash     string    `json:"key_hash"`
	Prompt      string    `json:"prompt"`
	ModelID     string    `json:"model_id"`
	Response    string    `json:"response"`
	Temperature float64   `json:"temperature"`
	TokensUsed  int       `json:"tokens_used"`
	CostSaved   float64   `json:"cost_saved"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Options configures the cache.
type Options struct {
	Enabled             bool
	TemperatureCeiling  float64
	SimilarityThreshold float64
	TTL                 time.Duration
	MaxEntries          int
}

// ResponseCache is the two-layer cache. Safe for concurrent use.
type ResponseCache struct {
	mu       sync.Mutex
	index    map[string]*list.Element
	lru      *list.List
	provider vector.Provider
	embedder embedder.Embedder
	clock    ident.Clock
	metrics  *Metrics
	opts     Options
	log      *slog.Logger
}

// New builds the cache. provider and emb back the semantic layer; passing nil
// for either disables L2 and keeps L1 exact matching only.
func New(opts Options, provider vector.Provider, emb embedder.Embedder, clock ident.Clock, metrics *Metrics) *ResponseCache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.95
	}
	if opts.TemperatureCeiling <= 0 {
		opts.TemperatureCeiling = 0.1
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ResponseCache{
		index:    make(map[string]*list.Element),
		lru:      list.New(),
		provider: provider,
		embedder: emb,
		clock:    clock,
		metrics:  metrics,
		opts:     opts,
		log:      logger.Get("cache"),
	}
}

// Key computes the exact-lookup key from the canonical prompt, the model, and
// the quantized temperature.
func Key(prompt, modelID string, temperature float64) string {
	return ident.HashString(canonicalPrompt(prompt), "\x00", modelID, "\x00", quantizeTemperature(temperature))
}

// canonicalPrompt trims and collapses internal whitespace so formatting
// differences do not defeat exact matching.
func canonicalPrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// quantizeTemperature buckets the temperature to one decimal for keying. The
// exact value is still recorded on the entry.
func quantizeTemperature(t float64) string {
	return fmt.Sprintf("%.1f", t)
}

// Get looks up a response, trying the exact layer first and the semantic
// layer second. A semantic hit requires the same model, the same temperature
// band, and cosine similarity at or above the configured threshold.
func (c *ResponseCache) Get(ctx context.Context, prompt, modelID string, temperature float64) (Entry, Layer, bool) {
	if !c.opts.Enabled {
		return Entry{}, "", false
	}
	start := c.clock.Now()

	if entry, ok := c.getExact(prompt, modelID, temperature); ok {
		c.metrics.observeHit(LayerExact, c.clock.Since(start), entry.CostSaved)
		return entry, LayerExact, true
	}
	if entry, ok := c.getSemantic(ctx, prompt, modelID, temperature); ok {
		c.metrics.observeHit(LayerSemantic, c.clock.Since(start), entry.CostSaved)
		return entry, LayerSemantic, true
	}

	c.metrics.observeMiss()
	return Entry{}, "", false
}

func (c *ResponseCache) getExact(prompt, modelID string, temperature float64) (Entry, bool) {
	key := Key(prompt, modelID, temperature)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return Entry{}, false
	}
	entry := elem.Value.(Entry)
	if entry.expired(c.clock.Now()) {
		c.removeLocked(key, elem)
		return Entry{}, false
	}
	c.lru.MoveToFront(elem)
	return entry, true
}

func (c *ResponseCache) getSemantic(ctx context.Context, prompt, modelID string, temperature float64) (Entry, bool) {
	if c.provider == nil || c.embedder == nil {
		return Entry{}, false
	}

	vec, err := embedder.EmbedOne(ctx, c.embedder, canonicalPrompt(prompt))
	if err != nil {
		c.log.Warn("semantic lookup embedding failed", "error", err)
		return Entry{}, false
	}

	results, err := c.provider.Search(ctx, cacheCollection, vec, 1, map[string]any{
		"model_id":    modelID,
		"temperature": quantizeTemperature(temperature),
	})
	if err != nil || len(results) == 0 {
		return Entry{}, false
	}
	best := results[0]
	if float64(best.Score) < c.opts.SimilarityThreshold {
		return Entry{}, false
	}

	// The vector index only holds the key; the payload lives in L1.
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.index[best.ID]
	if !ok {
		return Entry{}, false
	}
	entry := elem.Value.(Entry)
	if entry.expired(c.clock.Now()) {
		c.removeLocked(best.ID, elem)
		return Entry{}, false
	}
	c.lru.MoveToFront(elem)
	return entry, true
}

// Put stores a response. Entries sampled above the cacheable temperature
// ceiling are never stored.
func (c *ResponseCache) Put(ctx context.Context, prompt, modelID string, temperature float64, response string, tokensUsed int, costPerToken float64) error {
	if !c.opts.Enabled {
		return nil
	}
	if temperature > c.opts.TemperatureCeiling {
		return nil
	}

	now := c.clock.Now().UTC()
	key := Key(prompt, modelID, temperature)
	entry := Entry{
		KeyHash:     key,
		Prompt:      canonicalPrompt(prompt),
		ModelID:     modelID,
		Response:    response,
		Temperature: temperature,
		TokensUsed:  tokensUsed,
		CostSaved:   float64(tokensUsed) * costPerToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.opts.TTL),
	}

	c.mu.Lock()
	if elem, ok := c.index[key]; ok {
		elem.Value = entry
		c.lru.MoveToFront(elem)
	} else {
		c.index[key] = c.lru.PushFront(entry)
		for len(c.index) > c.opts.MaxEntries {
			c.evictOldestLocked(ctx)
		}
	}
	c.metrics.setEntries(len(c.index))
	c.mu.Unlock()

	if c.provider != nil && c.embedder != nil {
		vec, err := embedder.EmbedOne(ctx, c.embedder, entry.Prompt)
		if err != nil {
			return errors.Wrap(errors.KindProviderUnavailable, "cache", "Put", "embedding failed", err)
		}
		err = c.provider.Upsert(ctx, cacheCollection, key, vec, map[string]any{
			"model_id":    modelID,
			"temperature": quantizeTemperature(temperature),
		})
		if err != nil {
			return errors.Wrap(errors.KindStoreUnavailable, "cache", "Put", "vector upsert failed", err)
		}
	}
	return nil
}

// Len reports the number of live entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Purge drops every entry. Test helper.
func (c *ResponseCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	c.index = make(map[string]*list.Element)
	c.lru.Init()
	c.metrics.setEntries(0)
	c.mu.Unlock()

	if c.provider != nil {
		return c.provider.DeleteCollection(ctx, cacheCollection)
	}
	return nil
}

func (c *ResponseCache) evictOldestLocked(ctx context.Context) {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(Entry)
	c.removeLocked(entry.KeyHash, elem)
	if c.provider != nil {
		if err := c.provider.Delete(ctx, cacheCollection, entry.KeyHash); err != nil {
			c.log.Warn("failed to evict vector entry", "key", entry.KeyHash, "error", err)
		}
	}
}

func (c *ResponseCache) removeLocked(key string, elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.index, key)
}

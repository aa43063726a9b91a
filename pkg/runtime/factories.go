package runtime

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/petitionlabs/gavel/pkg/audit"
	"github.com/petitionlabs/gavel/pkg/cache"
	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/dispatch"
	"github.com/petitionlabs/gavel/pkg/embedder"
	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/ident"
	"github.com/petitionlabs/gavel/pkg/intake"
	"github.com/petitionlabs/gavel/pkg/memory"
	"github.com/petitionlabs/gavel/pkg/model"
	"github.com/petitionlabs/gavel/pkg/state"
	"github.com/petitionlabs/gavel/pkg/vector"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const previewBufferSize = 64

// semanticCollection is the single collection holding long-term memories.
const semanticCollection = "memories"

// registrable is an agent that knows which command kinds it serves.
type registrable interface {
	dispatch.Agent
	Kinds() []dispatch.CommandKind
}

// deferredLoader breaks the store/broadcaster construction cycle: the
// broadcaster needs a snapshot loader, the store needs the broadcaster as
// its delta sink.
type deferredLoader struct {
	mu    sync.RWMutex
	store state.Store
}

func (l *deferredLoader) set(s state.Store) {
	l.mu.Lock()
	l.store = s
	l.mu.Unlock()
}

func (l *deferredLoader) Load(ctx context.Context, threadID string) (*state.State, error) {
	l.mu.RLock()
	s := l.store
	l.mu.RUnlock()
	if s == nil {
		return nil, errors.New(errors.KindStoreUnavailable, "runtime", "Load", "state store not ready")
	}
	return s.Load(ctx, threadID)
}

func buildTrail(cfg config.AuditConfig, clock ident.Clock) (*audit.Trail, error) {
	if cfg.Path == "" {
		return audit.NewTrail(audit.NewMemorySink(), clock)
	}
	sink, err := audit.NewFileSink(cfg.Path)
	if err != nil {
		return nil, err
	}
	return audit.NewTrail(sink, clock)
}

func buildStateStore(cfg *config.Config, sink state.DeltaSink, clock ident.Clock) (state.Store, error) {
	ttl := time.Duration(cfg.Engine.StateTTLSeconds) * time.Second
	switch cfg.State.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.State.RedisAddr,
			DB:   cfg.State.RedisDB,
		})
		return state.NewRedisStore(client, sink, clock, ttl), nil
	default:
		return state.NewMemoryStore(sink, clock, ttl), nil
	}
}

func buildMemory(cfg config.MemoryConfig, trail *audit.Trail, clock ident.Clock) (*memory.Manager, error) {
	emb, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := buildVectorProvider(cfg)
	if err != nil {
		return nil, err
	}
	semantic, err := memory.NewSemanticStore(provider, cfg.EmbeddingDimension, semanticCollection)
	if err != nil {
		return nil, err
	}

	episodic, err := buildEpisodicStore(cfg)
	if err != nil {
		return nil, err
	}

	return memory.NewManager(memory.ManagerOptions{
		Episodic: episodic,
		Semantic: semantic,
		Working:  memory.NewWorkingMemory(cfg.RMTBufferSize, cfg.PinnedSlotNames, clock),
		Embedder: emb,
		Trail:    trail,
		Clock:    clock,
	})
}

func buildEmbedder(cfg config.MemoryConfig) (embedder.Embedder, error) {
	if cfg.EmbeddingHost == "" {
		return embedder.NewDeterministic(cfg.EmbeddingDimension), nil
	}
	remote, err := embedder.NewRemote(embedder.RemoteConfig{
		Host:      cfg.EmbeddingHost,
		APIKey:    cfg.EmbeddingAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
	if err != nil {
		return nil, err
	}
	return remote, nil
}

// buildVectorProvider maps the semantic index URL to a backend: empty runs
// chromem in memory, qdrant:// connects to a server, anything else is a
// chromem persistence path.
func buildVectorProvider(cfg config.MemoryConfig) (vector.Provider, error) {
	url := cfg.SemanticIndexURL
	if strings.HasPrefix(url, "qdrant://") {
		hostPort := strings.TrimPrefix(url, "qdrant://")
		host, port := splitHostPort(hostPort, 6334)
		return vector.New(vector.Config{
			Type:   vector.ProviderQdrant,
			Qdrant: vector.QdrantConfig{Host: host, Port: port},
		})
	}
	return vector.New(vector.Config{
		Type:    vector.ProviderChromem,
		Chromem: vector.ChromemConfig{PersistPath: url},
	})
}

func splitHostPort(s string, defaultPort int) (string, int) {
	host, portStr, found := strings.Cut(s, ":")
	if !found || portStr == "" {
		return s, defaultPort
	}
	port := 0
	for _, r := range portStr {
		if r < '0' || r > '9' {
			return host, defaultPort
		}
		port = port*10 + int(r-'0')
	}
	if port == 0 {
		port = defaultPort
	}
	return host, port
}

func buildEpisodicStore(cfg config.MemoryConfig) (memory.EpisodicStore, error) {
	if cfg.EpisodicStoreURL == "" {
		return memory.NewMemoryEpisodicStore(), nil
	}
	db, dialect, err := openSQL(cfg.EpisodicStoreURL)
	if err != nil {
		return nil, err
	}
	store, err := memory.NewSQLEpisodicStore(db, dialect)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildCaseStore(cfg config.MemoryConfig) (intake.CaseStore, error) {
	if cfg.EpisodicStoreURL == "" {
		return intake.NewMemoryCaseStore(), nil
	}
	db, dialect, err := openSQL(cfg.EpisodicStoreURL)
	if err != nil {
		return nil, err
	}
	store, err := intake.NewSQLCaseStore(db, dialect)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openSQL(url string) (*sql.DB, string, error) {
	dialect := "sqlite3"
	dsn := url
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialect = "postgres"
	} else if !strings.Contains(dsn, "?") {
		// Two handles share the sqlite file (episodic store and case store).
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, "", errors.Wrap(errors.KindStoreUnavailable, "runtime", "openSQL", "open database", err)
	}
	return db, dialect, nil
}

func buildCache(cfg *config.Config, clock ident.Clock) (*cache.ResponseCache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	// The cache's semantic layer keeps its own collection, separate from
	// long-term memories.
	provider, err := vector.NewChromemProvider(vector.ChromemConfig{})
	if err != nil {
		return nil, err
	}
	var metrics *cache.Metrics
	if cfg.Observability.MetricsSink == "prometheus" {
		metrics = cache.NewMetrics(prometheus.DefaultRegisterer)
	}
	return cache.New(cache.Options{
		Enabled:             true,
		TemperatureCeiling:  cfg.Cache.TemperatureCacheableCeiling,
		SimilarityThreshold: cfg.Cache.L2SimilarityThreshold,
		TTL:                 time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		MaxEntries:          cfg.Cache.MaxEntries,
	}, provider, embedder.NewDeterministic(cfg.Memory.EmbeddingDimension), clock, metrics), nil
}

func buildRouter(cfg config.RoutingConfig, respCache *cache.ResponseCache) (*model.Router, error) {
	var providers []model.Provider
	for _, pc := range cfg.Providers {
		client, err := buildModelClient(pc)
		if err != nil {
			return nil, err
		}
		supports := pc.Supports
		if len(supports) == 0 {
			supports = []string{model.CapabilityChat}
		}
		providers = append(providers, model.Provider{
			ID:           pc.ID,
			Client:       client,
			CostPerToken: pc.CostPerToken,
			TokenLimit:   pc.TokenLimit,
			Supports:     supports,
		})
	}
	if len(providers) == 0 {
		// No providers configured runs a canned local model, enough for
		// development and tests.
		providers = append(providers, model.Provider{
			ID:     "mock",
			Client: model.NewMockClient("mock", model.MockResponse{Text: "<p>mock response</p>", TokensUsed: 10}),
			Supports: []string{model.CapabilityChat},
		})
	}

	budget := model.NewBudget(cfg.GlobalBudget, cfg.PerRequestBudget, cfg.WarnThreshold)
	return model.NewRouter(providers, budget, respCache, nil)
}

func buildModelClient(pc config.ModelProviderConfig) (model.Client, error) {
	switch pc.Type {
	case "openai", "":
		client, err := model.NewOpenAIClient(model.OpenAIConfig{
			ID:     pc.ID,
			Host:   pc.Host,
			APIKey: pc.APIKey,
			Model:  pc.Model,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "mock":
		return model.NewMockClient(pc.ID, model.MockResponse{Text: "<p>mock response</p>", TokensUsed: 10}), nil
	default:
		return nil, errors.Newf(errors.KindInvalidState, "runtime", "buildModelClient",
			"unknown provider type %q", pc.Type)
	}
}

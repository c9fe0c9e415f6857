package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/cache"
	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/worker"
)

// NewProvider builds the configured model provider. Calls are throttled per
// provider and, when the cache is enabled, identical requests are answered
// from the layered response cache before they reach the rate limiter.
func NewProvider(cfg *model.Config, log *zap.Logger) (llm.Provider, error) {
	log = logging.OrNop(log)

	p, err := llm.NewProvider(llm.ConfigFromModel(cfg.LLM, cfg.HTTP))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("no LLM provider configured (set llm.provider to openai, anthropic or ollama)")
	}

	limiter := worker.NewLimiter(cfg.RateLimiting.RequestsPerSecond, cfg.RateLimiting.BurstSize)
	out := llm.WithRateLimit(p, limiter)

	if cfg.Cache.Enabled {
		store := cache.NewLayeredCache(cfg.Cache.MemoryTTL, cfg.Cache.Dir, cfg.Cache.DiskTTL)
		out = llm.WithCache(out, store, cfg.Cache.DiskTTL)
	}

	log.Info("model provider ready",
		zap.String("provider", p.Name()),
		zap.String("model", cfg.LLM.Model),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Float64("requests_per_second", cfg.RateLimiting.RequestsPerSecond),
	)
	return out, nil
}

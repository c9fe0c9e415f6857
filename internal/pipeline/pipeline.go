package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/chunk"
	"github.com/ppiankov/cityledger/internal/extract"
	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/mapping"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
	"github.com/ppiankov/cityledger/internal/score"
	"github.com/ppiankov/cityledger/internal/worker"
)

// Pipeline runs extraction and the staged mapping over one source document,
// persisting every stage under the configured output directory
type Pipeline struct {
	cfg      *model.Config
	registry *schema.Registry
	provider llm.Provider
	layout   Layout
	log      *zap.Logger
}

// New creates a pipeline. provider may be nil for stages that make no model
// calls (audit).
func New(cfg *model.Config, registry *schema.Registry, provider llm.Provider, log *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		registry: registry,
		provider: provider,
		layout:   Layout{Root: cfg.Output.Dir},
		log:      logging.OrNop(log),
	}
}

// Layout returns the staged output layout
func (p *Pipeline) Layout() Layout {
	return p.layout
}

// ExtractOptions selects what Extract runs
type ExtractOptions struct {
	Classes []string // Empty means the configured subset, then every class
	Fresh   bool     // Ignore existing checkpoints instead of resuming
}

// ExtractReport is the outcome of an extraction run
type ExtractReport struct {
	Classes []model.ClassSummary
	Errors  map[string]error // Per-class failures; other classes still completed
	Dropped int              // Instances dropped as duplicate identifiers on finalize
}

// Failed returns the number of classes that ended with an error
func (r *ExtractReport) Failed() int {
	return len(r.Errors)
}

// Extract runs the extraction loop for each selected class concurrently and
// writes one artifact per class. An unknown class or empty source fails the
// whole run before any model call; a failure inside one class does not stop
// the others.
func (p *Pipeline) Extract(ctx context.Context, sourceText string, opts ExtractOptions) (*ExtractReport, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("extract: no model provider")
	}
	if sourceText == "" {
		return nil, ErrEmptySource
	}
	classes, err := p.selectClasses(opts.Classes)
	if err != nil {
		return nil, err
	}

	doc := extract.NewDocument(sourceText, chunk.Options{
		MaxTokens: p.cfg.Extraction.ChunkTokens,
		Overlap:   p.cfg.Extraction.ChunkOverlap,
	})
	p.log.Info("extraction starting",
		zap.Int("classes", len(classes)),
		zap.Int("chunks", len(doc.Chunks)),
		zap.Int("workers", p.cfg.Concurrency.Workers),
	)

	ce := &classExtractor{
		p:     p,
		doc:   doc,
		fresh: opts.Fresh,
	}
	ce.engine = extract.NewEngine(p.provider, p.registry,
		extract.WithRetryPolicy(llm.RetryPolicyFromModel(p.cfg.Retry)),
		extract.WithMaxRounds(p.cfg.Extraction.MaxRounds),
		extract.WithSummaryItems(p.cfg.Extraction.SummaryItems),
		extract.WithTableScope(p.cfg.Extraction.ScopeToTables),
		extract.WithModel(p.cfg.LLM.Model, p.cfg.LLM.MaxTokens, p.cfg.LLM.Temperature),
		extract.WithLogger(p.log),
		extract.WithCheckpoint(func(class string, instances []model.Instance) error {
			return p.layout.WriteClass(ExtractionDir, class, instances)
		}),
	)

	workers := p.cfg.Concurrency.Workers
	if workers <= 0 {
		workers = 1
	}
	results := worker.NewExtractionBatch(ce, workers).Run(ctx, classes)

	report := &ExtractReport{Errors: make(map[string]error)}
	for _, r := range results {
		report.Classes = append(report.Classes, r.Summary)
		if r.Error != nil {
			report.Errors[r.Class] = r.Error
		}
	}
	report.Dropped = ce.dropped()

	p.log.Info("extraction finished",
		zap.Int("classes", len(results)),
		zap.Int("failed", report.Failed()),
		zap.Int("dropped_duplicates", report.Dropped),
	)
	return report, ctx.Err()
}

func (p *Pipeline) selectClasses(requested []string) ([]string, error) {
	classes := requested
	if len(classes) == 0 {
		classes = p.cfg.Extraction.Classes
	}
	if len(classes) == 0 {
		return p.registry.Names(), nil
	}
	for _, name := range classes {
		if _, err := p.registry.Get(name); err != nil {
			return nil, err
		}
	}
	return classes, nil
}

// classExtractor adapts the engine to the worker pool. Each class runs in
// its own goroutine and writes only its own artifact.
type classExtractor struct {
	p      *Pipeline
	engine *extract.Engine
	doc    *extract.Document
	fresh  bool

	mu   sync.Mutex
	drop int
}

func (ce *classExtractor) ExtractClass(ctx context.Context, class string) (model.ClassSummary, error) {
	c, err := ce.p.registry.Get(class)
	if err != nil {
		return model.ClassSummary{Class: class}, err
	}

	var prior []model.Instance
	if !ce.fresh {
		prior, err = ce.p.layout.ReadClass(ExtractionDir, class)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return model.ClassSummary{Class: class}, fmt.Errorf("load checkpoint: %w", err)
		}
	}

	res, runErr := ce.engine.ExtractClass(ctx, class, ce.doc, prior)
	if res == nil {
		return model.ClassSummary{Class: class}, runErr
	}

	final := extract.Finalize(c, res.Instances, ce.p.log)
	ce.mu.Lock()
	ce.drop += len(final.Dropped)
	ce.mu.Unlock()

	if err := ce.p.layout.WriteClass(ExtractionDir, class, final.Instances); err != nil {
		return res.Summary, errors.Join(runErr, fmt.Errorf("write %s: %w", class, err))
	}
	return res.Summary, runErr
}

func (ce *classExtractor) dropped() int {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.drop
}

// MapOptions selects what Map runs
type MapOptions struct {
	// Table remaps the foreign keys of one class on top of the last full
	// mapping run, leaving every other class untouched.
	Table string
}

// MapReport is the outcome of a mapping run
type MapReport struct {
	CanonicalCityID string
	Cleared         int // Non-null foreign keys nulled in step 1
	Assigned        int // Placeholder IDs assigned before mapping
	Dropped         int // Duplicate identifiers dropped before mapping
	City            *mapping.CityResult
	Mapping         []model.MappingSummary
	Repair          []model.MappingSummary
	Unresolved      int
	Audit           *model.AuditReport
}

// Map runs the three mapping stages over the extraction artifacts: clear
// foreign keys, canonicalize the city, then resolve every remaining foreign
// key with the model and repair what the audit plan flags. Each stage is
// written before the next starts, and the final stage is audited.
func (p *Pipeline) Map(ctx context.Context, sourceText string, opts MapOptions) (*MapReport, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("map: no model provider")
	}
	if opts.Table != "" {
		return p.mapTable(ctx, sourceText, opts.Table)
	}

	extracted, err := p.layout.ReadDataset(ExtractionDir)
	if err != nil {
		return nil, fmt.Errorf("read extraction: %w", err)
	}
	report := &MapReport{}
	data := p.finalize(extracted, report)

	cleared, n := mapping.ClearForeignKeys(p.registry, data)
	report.Cleared = n
	if err := p.layout.WriteDataset(ClearedDir, cleared); err != nil {
		return nil, err
	}
	p.log.Info("foreign keys cleared", zap.Int("cleared", n))

	cityData := cleared
	city, err := mapping.CanonicalizeCity(p.registry, cleared, p.cfg.Mapping.City, p.log)
	switch {
	case errors.Is(err, mapping.ErrNoCity):
		p.log.Warn("no canonical city; city references stay empty")
	case err != nil:
		return nil, err
	default:
		report.City = city
		report.CanonicalCityID = city.CanonicalID
		cityData = city.Dataset
	}
	if err := p.layout.WriteDataset(CityDir, cityData); err != nil {
		return nil, err
	}

	mapper := p.newMapper()
	mapped, err := mapper.MapForeignKeys(ctx, cityData, sourceText)
	if err != nil {
		return report, p.persistPartial(MappedDir, mapped, err)
	}
	report.Mapping = mapped.Summaries
	final, err := p.repair(ctx, mapper, mapped, sourceText, report)
	if err != nil {
		return report, err
	}

	if err := p.layout.WriteDataset(MappedDir, final); err != nil {
		return report, err
	}
	if err := p.layout.WriteRun(RunInfo{
		CanonicalCityID: report.CanonicalCityID,
		MappedAt:        time.Now().UTC(),
	}); err != nil {
		return report, err
	}

	report.Audit, err = p.audit(final, sourceText, report.CanonicalCityID)
	return report, err
}

// finalize assigns placeholder IDs to every extracted class and drops
// duplicate identifiers, so foreign keys have stable targets
func (p *Pipeline) finalize(data model.Dataset, report *MapReport) model.Dataset {
	out := make(model.Dataset, len(data))
	for _, name := range data.Classes() {
		c, err := p.registry.Get(name)
		if err != nil {
			p.log.Warn("skipping artifact of unknown class", zap.String("class", name))
			continue
		}
		res := extract.Finalize(c, data[name], p.log)
		report.Assigned += res.Assigned + res.Reassigned
		report.Dropped += len(res.Dropped)
		out[name] = res.Instances
	}
	return out
}

func (p *Pipeline) repair(ctx context.Context, mapper *mapping.Mapper, mapped *mapping.Result, sourceText string, report *MapReport) (model.Dataset, error) {
	report.Unresolved = len(mapped.Unresolved)
	if p.cfg.Mapping.RetryPasses <= 0 {
		return mapped.Dataset, nil
	}
	repaired, err := mapper.Repair(ctx, mapped.Dataset, sourceText, p.cfg.Mapping.RetryPasses)
	if err != nil {
		return nil, p.persistPartial(MappedDir, repaired, err)
	}
	report.Repair = repaired.Summaries
	return repaired.Dataset, nil
}

// persistPartial writes what a cancelled mapping run resolved so far. Each
// class file is complete on its own; a rerun maps only what is still null.
func (p *Pipeline) persistPartial(stage string, res *mapping.Result, cause error) error {
	if res == nil || res.Dataset == nil {
		return cause
	}
	if err := p.layout.WriteDataset(stage, res.Dataset); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// mapTable remaps one class against the last full mapping output
func (p *Pipeline) mapTable(ctx context.Context, sourceText, table string) (*MapReport, error) {
	c, err := p.registry.Get(table)
	if err != nil {
		return nil, err
	}
	data, err := p.layout.ReadDataset(MappedDir)
	if err != nil {
		return nil, fmt.Errorf("remap %s requires a full mapping run first: %w", table, err)
	}
	run, err := p.layout.ReadRun()
	if err != nil {
		return nil, err
	}

	report := &MapReport{CanonicalCityID: run.CanonicalCityID}
	instances := make([]model.Instance, len(data[table]))
	for i, inst := range data[table] {
		rec := inst.Record.Clone()
		for _, f := range c.ForeignKeys() {
			if p.registry.IsCityField(f) || rec.IsNull(f.Name) {
				continue
			}
			rec[f.Name] = nil
			report.Cleared++
		}
		inst.Record = rec
		instances[i] = inst
	}
	data[table] = instances

	mapper := p.newMapper(mapping.WithClasses(table))
	mapped, err := mapper.MapForeignKeys(ctx, data, sourceText)
	if err != nil {
		return report, p.persistTable(table, mapped, err)
	}
	report.Mapping = mapped.Summaries
	final, err := p.repair(ctx, mapper, mapped, sourceText, report)
	if err != nil {
		return report, err
	}

	if err := p.layout.WriteClass(MappedDir, table, final[table]); err != nil {
		return report, err
	}
	report.Audit, err = p.audit(final, sourceText, run.CanonicalCityID)
	return report, err
}

func (p *Pipeline) persistTable(table string, res *mapping.Result, cause error) error {
	if res == nil || res.Dataset == nil {
		return cause
	}
	if err := p.layout.WriteClass(MappedDir, table, res.Dataset[table]); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Pipeline) newMapper(extra ...mapping.Option) *mapping.Mapper {
	modelName := p.cfg.LLM.MappingModel
	if modelName == "" {
		modelName = p.cfg.LLM.Model
	}
	opts := []mapping.Option{
		mapping.WithRetryPolicy(llm.RetryPolicyFromModel(p.cfg.Retry)),
		mapping.WithModel(modelName, p.cfg.LLM.MaxTokens),
		mapping.WithConcurrency(p.cfg.Mapping.MaxConcurrent),
		mapping.WithLabelMaxChars(p.cfg.Mapping.LabelMaxChars),
		mapping.WithLogger(p.log),
	}
	if p.cfg.Mapping.MinEvidenceTier != "" {
		tier, err := model.ParseEvidenceTier(p.cfg.Mapping.MinEvidenceTier)
		if err != nil {
			p.log.Warn("ignoring evidence gate", zap.Error(err))
		} else {
			opts = append(opts, mapping.WithMinEvidenceTier(tier))
		}
	}
	return mapping.NewMapper(p.provider, p.registry, append(opts, extra...)...)
}

// Audit verifies the last mapping output and rewrites the audit report
func (p *Pipeline) Audit(sourceText string) (*model.AuditReport, error) {
	data, err := p.layout.ReadDataset(MappedDir)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	run, err := p.layout.ReadRun()
	if err != nil {
		return nil, err
	}
	return p.audit(data, sourceText, run.CanonicalCityID)
}

func (p *Pipeline) audit(data model.Dataset, sourceText, canonicalCityID string) (*model.AuditReport, error) {
	report := mapping.NewVerifier(p.registry, p.log).Audit(data, sourceText, canonicalCityID)
	index := score.NewScorer().Calculate(report)
	report.Score = &index
	if err := p.layout.WriteAudit(report); err != nil {
		return report, err
	}
	p.log.Info("audit written",
		zap.Int("null_foreign_keys", report.Totals.NullFKs),
		zap.Int("dangling", report.Totals.Dangling),
		zap.Int("linkage_index", index.Index),
	)
	return report, nil
}

// RunReport is the outcome of extraction followed by mapping
type RunReport struct {
	Extract *ExtractReport
	Map     *MapReport
}

// Run extracts every selected class and then maps the result. Mapping runs
// even when some classes failed, over whatever they accumulated.
func (p *Pipeline) Run(ctx context.Context, sourceText string, opts ExtractOptions) (*RunReport, error) {
	ext, err := p.Extract(ctx, sourceText, opts)
	report := &RunReport{Extract: ext}
	if err != nil {
		return report, err
	}
	report.Map, err = p.Map(ctx, sourceText, MapOptions{})
	return report, err
}

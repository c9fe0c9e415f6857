package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
	"github.com/ppiankov/cityledger/internal/validate"
)

// ErrUnresolvedForeignKey marks a foreign key left null because no acceptable
// candidate was chosen
var ErrUnresolvedForeignKey = errors.New("unresolved foreign key")

var errNoChoice = errors.New("response has no choose_link call")

const systemPrompt = `You link records of a city climate-policy dataset.
You are given one record and a list of candidate records it may refer to.
Choose the single candidate the record refers to. Only use ids from the list and never invent one.
If no candidate fits, answer "none".
Always answer by calling choose_link.`

// Mapper resolves non-city foreign keys by asking the model to pick one
// candidate per record. Calls run in parallel; results are applied in a
// fixed order after all calls of a group return.
type Mapper struct {
	provider llm.Provider
	registry *schema.Registry
	retry    llm.RetryPolicy
	log      *zap.Logger

	model       string
	maxTokens   int
	concurrency int
	labelMax    int
	minTier     model.EvidenceTier
	classes     map[string]bool
}

// Option configures a Mapper
type Option func(*Mapper)

// WithRetryPolicy sets the backoff applied to transient API failures
func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(m *Mapper) { m.retry = p }
}

// WithModel overrides the provider's default model
func WithModel(name string, maxTokens int) Option {
	return func(m *Mapper) {
		m.model = name
		m.maxTokens = maxTokens
	}
}

// WithConcurrency bounds parallel mapping calls
func WithConcurrency(n int) Option {
	return func(m *Mapper) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLabelMaxChars truncates label and field values shown to the model
func WithLabelMaxChars(n int) Option {
	return func(m *Mapper) { m.labelMax = n }
}

// WithMinEvidenceTier rejects links whose evidence is weaker than tier.
// The empty tier disables the gate.
func WithMinEvidenceTier(tier model.EvidenceTier) Option {
	return func(m *Mapper) { m.minTier = tier }
}

// WithClasses restricts mapping to slots of the given source classes
func WithClasses(names ...string) Option {
	return func(m *Mapper) {
		if len(names) == 0 {
			m.classes = nil
			return
		}
		m.classes = make(map[string]bool, len(names))
		for _, n := range names {
			m.classes[n] = true
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(m *Mapper) { m.log = log }
}

// NewMapper creates a foreign-key mapper
func NewMapper(provider llm.Provider, registry *schema.Registry, opts ...Option) *Mapper {
	m := &Mapper{
		provider:    provider,
		registry:    registry,
		retry:       llm.DefaultRetryPolicy(),
		concurrency: 5,
		labelMax:    160,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.OrNop(m.log)
	return m
}

// Result is the outcome of a mapping or repair run
type Result struct {
	Dataset    model.Dataset
	Summaries  []model.MappingSummary
	Unresolved []error // Each wraps ErrUnresolvedForeignKey
}

// Summary returns the summary of one slot, or nil
func (r *Result) Summary(class, field string) *model.MappingSummary {
	for i := range r.Summaries {
		if r.Summaries[i].Class == class && r.Summaries[i].Field == field {
			return &r.Summaries[i]
		}
	}
	return nil
}

// task is one record and slot awaiting a decision
type task struct {
	slot       schema.Slot
	index      int
	record     model.Record
	candidates []Candidate
	feedback   string
	previous   any
}

type decision struct {
	called bool
	choice string
	err    error
}

// Slots returns the slots this mapper resolves: dependency groups with
// self references last
func (m *Mapper) Slots() [][]schema.Slot {
	var plain, self []schema.Slot
	for _, s := range m.registry.ForeignKeySlots() {
		if m.classes != nil && !m.classes[s.Class] {
			continue
		}
		if s.Class == s.Target {
			self = append(self, s)
		} else {
			plain = append(plain, s)
		}
	}

	var groups [][]schema.Slot
	if len(plain) > 0 {
		groups = append(groups, plain)
	}
	if len(self) > 0 {
		groups = append(groups, self)
	}
	return groups
}

// MapForeignKeys fills every null non-city foreign key it can. Keys that are
// already set are left alone, so rerunning on mapped data is a no-op. The
// input is not modified. A failed call leaves its field null and never stops
// other calls; only cancellation is returned as an error, together with
// whatever was resolved before it.
func (m *Mapper) MapForeignKeys(ctx context.Context, data model.Dataset, sourceText string) (*Result, error) {
	res := &Result{Dataset: data.Clone()}
	doc := validate.NewSource(sourceText)

	for _, group := range m.Slots() {
		var tasks []task
		for _, slot := range group {
			src, tgt, ok := m.slotClasses(slot)
			if !ok {
				continue
			}
			candidates := Candidates(tgt, res.Dataset[slot.Target], m.labelMax, "")
			summary := res.summary(slot)
			summary.Candidates = len(candidates)

			for i, inst := range res.Dataset[slot.Class] {
				if !inst.Record.IsNull(slot.Field) {
					continue
				}
				tasks = append(tasks, task{
					slot:       slot,
					index:      i,
					record:     inst.Record,
					candidates: forRecord(candidates, slot, src, inst.Record),
				})
			}
		}

		m.log.Info("mapping group", zap.Int("slots", len(group)), zap.Int("tasks", len(tasks)))
		decisions := m.resolve(ctx, tasks)
		m.apply(res, tasks, decisions, doc)

		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("map foreign keys: %w", err)
		}
	}
	return res, nil
}

// resolve asks the model about every task with at most m.concurrency calls
// in flight. Decisions are indexed like tasks.
func (m *Mapper) resolve(ctx context.Context, tasks []task) []decision {
	decisions := make([]decision, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				decisions[i] = decision{err: err}
				return nil
			}
			decisions[i] = m.decide(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return decisions
}

func (m *Mapper) decide(ctx context.Context, t task) decision {
	if len(t.candidates) == 0 {
		return decision{}
	}

	req := llm.ChatRequest{
		Model:      m.model,
		System:     systemPrompt,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: m.prompt(t)}},
		Tools:      llm.MappingTools(),
		ToolChoice: llm.ToolChoiceRequired,
		MaxTokens:  m.maxTokens,
	}

	var resp *llm.ChatResponse
	err := m.retry.Do(ctx, func() error {
		var err error
		resp, err = m.provider.Chat(context.WithoutCancel(ctx), req)
		return err
	})
	if err != nil {
		return decision{called: true, err: err}
	}

	for _, call := range resp.ToolCalls {
		if call.Name != llm.ToolChooseLink {
			continue
		}
		var args llm.ChooseLinkArgs
		if err := llm.ParseArgs(call, &args); err != nil {
			return decision{called: true, err: err}
		}
		return decision{called: true, choice: args.Choice()}
	}
	return decision{called: true, err: errNoChoice}
}

func (m *Mapper) prompt(t task) string {
	src, _ := m.registry.Get(t.slot.Class)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Record of class %s:\n%s\n\n", t.slot.Class, Describe(src, t.record, m.labelMax))
	fmt.Fprintf(&sb, "Field %s must reference one %s. Candidates:\n", t.slot.Field, t.slot.Target)
	for _, c := range t.candidates {
		fmt.Fprintf(&sb, "- id=%s | %s\n", c.ID, c.Label)
	}
	if t.feedback != "" {
		fmt.Fprintf(&sb, "\nNote: %s\n", t.feedback)
	}
	sb.WriteString("\nCall choose_link with the id of the candidate this record refers to, or \"none\".")
	return sb.String()
}

// apply writes decisions into res in task order
func (m *Mapper) apply(res *Result, tasks []task, decisions []decision, doc *validate.Source) {
	for i, t := range tasks {
		d := decisions[i]
		summary := res.summary(t.slot)
		if d.called {
			summary.Attempted++
		}
		rec := res.Dataset[t.slot.Class][t.index].Record
		recID := recordID(m.registry, t.slot.Class, rec)

		choice, reason := m.accept(res.Dataset, t, d, doc)
		switch {
		case d.err != nil:
			summary.Failed++
			m.log.Warn("mapping call failed",
				zap.String("class", t.slot.Class), zap.String("record_id", recID),
				zap.String("field", t.slot.Field), zap.Error(d.err))
		case choice == "" && reason == reasonGated:
			summary.Gated++
		case choice == "":
			summary.Unresolved++
		}

		if choice == "" {
			res.Unresolved = append(res.Unresolved, fmt.Errorf("%w: %s %s.%s: %s",
				ErrUnresolvedForeignKey, t.slot.Class, recID, t.slot.Field, reason))
			continue
		}

		rec[t.slot.Field] = choice
		summary.Resolved++
		m.log.Debug("foreign key resolved",
			zap.String("class", t.slot.Class), zap.String("record_id", recID),
			zap.String("field", t.slot.Field), zap.String("target", choice))
	}
}

const (
	reasonFailed    = "call failed"
	reasonNoMatch   = "no match"
	reasonNoOptions = "no candidates"
	reasonUnknown   = "model named an unknown candidate"
	reasonGated     = "evidence below minimum tier"
)

// accept returns the ID to store, or "" and the reason it was refused
func (m *Mapper) accept(data model.Dataset, t task, d decision, doc *validate.Source) (string, string) {
	switch {
	case d.err != nil:
		return "", reasonFailed
	case len(t.candidates) == 0:
		return "", reasonNoOptions
	case d.choice == "":
		return "", reasonNoMatch
	}

	if !offered(t.candidates, d.choice) {
		m.log.Warn("model named an unknown candidate",
			zap.String("class", t.slot.Class), zap.String("field", t.slot.Field), zap.String("target", d.choice))
		return "", reasonUnknown
	}

	if m.minTier != "" {
		tier := m.linkTier(data, t, d.choice, doc)
		if tier.Rank() < m.minTier.Rank() {
			m.log.Info("link below evidence gate",
				zap.String("class", t.slot.Class), zap.String("field", t.slot.Field),
				zap.String("target", d.choice), zap.String("tier", string(tier)))
			return "", reasonGated
		}
	}
	return d.choice, ""
}

func (m *Mapper) linkTier(data model.Dataset, t task, targetID string, doc *validate.Source) model.EvidenceTier {
	src, srcOK := m.registry.Get(t.slot.Class)
	tgt, tgtOK := m.registry.Get(t.slot.Target)
	if srcOK != nil || tgtOK != nil {
		return model.TierNoEvidence
	}
	for _, inst := range data[t.slot.Target] {
		if inst.Record.String(tgt.PrimaryKey) == targetID {
			return Tier(LabelValues(tgt, inst.Record), descriptiveText(src, t.record), doc)
		}
	}
	return model.TierNoEvidence
}

func (m *Mapper) slotClasses(slot schema.Slot) (*schema.Class, *schema.Class, bool) {
	src, err := m.registry.Get(slot.Class)
	if err != nil {
		return nil, nil, false
	}
	tgt, err := m.registry.Get(slot.Target)
	if err != nil {
		return nil, nil, false
	}
	return src, tgt, true
}

func (r *Result) summary(slot schema.Slot) *model.MappingSummary {
	if s := r.Summary(slot.Class, slot.Field); s != nil {
		return s
	}
	r.Summaries = append(r.Summaries, model.MappingSummary{Class: slot.Class, Field: slot.Field, Target: slot.Target})
	return &r.Summaries[len(r.Summaries)-1]
}

// forRecord drops the record itself from self-referencing candidate lists
func forRecord(candidates []Candidate, slot schema.Slot, src *schema.Class, rec model.Record) []Candidate {
	if slot.Class != slot.Target {
		return candidates
	}
	self := rec.String(src.PrimaryKey)
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != self {
			out = append(out, c)
		}
	}
	return out
}

func offered(candidates []Candidate, id string) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

func recordID(reg *schema.Registry, class string, rec model.Record) string {
	c, err := reg.Get(class)
	if err != nil {
		return ""
	}
	return rec.String(c.PrimaryKey)
}

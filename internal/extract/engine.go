package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/chunk"
	"github.com/ppiankov/cityledger/internal/llm"
	"github.com/ppiankov/cityledger/internal/logging"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
	"github.com/ppiankov/cityledger/internal/validate"
)

// ErrProtocolViolation marks a model that answered without a tool call twice in a row
var ErrProtocolViolation = errors.New("protocol violation: response has no tool call")

// State is a step of the per-class extraction loop
type State int

const (
	StateRoundStart State = iota
	StateAwaitingToolCall
	StateAccumulate
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRoundStart:
		return "ROUND_START"
	case StateAwaitingToolCall:
		return "AWAITING_TOOL_CALL"
	case StateAccumulate:
		return "ACCUMULATE"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Checkpoint persists the accumulated instances of a class. It is called at
// the end of every ACCUMULATE state.
type Checkpoint func(class string, instances []model.Instance) error

// Document is the source text prepared for extraction
type Document struct {
	Text   string
	Chunks []chunk.Chunk

	verify *validate.Source
}

// NewDocument prepares text for extraction, chunking it when it exceeds the budget.
// Quotes are always checked against the whole text.
func NewDocument(text string, opts chunk.Options) *Document {
	return &Document{
		Text:   text,
		Chunks: chunk.Split(text, opts),
		verify: validate.NewSource(text),
	}
}

// Result is the outcome of extracting one class
type Result struct {
	Instances []model.Instance
	Summary   model.ClassSummary
}

// Engine drives the bounded tool-calling loop for one class at a time.
// It holds no per-class state, so one Engine may serve concurrent classes.
type Engine struct {
	provider  llm.Provider
	registry  *schema.Registry
	validator *validate.Validator
	retry     llm.RetryPolicy
	log       *zap.Logger

	model         string
	maxTokens     int
	temperature   float32
	maxRounds     int
	summaryItems  int
	scopeToTables bool
	checkpoint    Checkpoint
}

// Option configures an Engine
type Option func(*Engine)

// WithRetryPolicy sets the backoff applied to transient API failures
func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithMaxRounds bounds the rounds per class (and per chunk when chunked)
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithSummaryItems bounds the prior instances shown to the model
func WithSummaryItems(n int) Option {
	return func(e *Engine) { e.summaryItems = n }
}

// WithTableScope limits the prior-instance summary to the chunk's tables
func WithTableScope(on bool) Option {
	return func(e *Engine) { e.scopeToTables = on }
}

// WithModel overrides the provider's default model
func WithModel(name string, maxTokens int, temperature float32) Option {
	return func(e *Engine) {
		e.model = name
		e.maxTokens = maxTokens
		e.temperature = temperature
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithCheckpoint installs the per-round persistence hook
func WithCheckpoint(cp Checkpoint) Option {
	return func(e *Engine) { e.checkpoint = cp }
}

// NewEngine creates an extraction engine
func NewEngine(provider llm.Provider, registry *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		provider:     provider,
		registry:     registry,
		retry:        llm.DefaultRetryPolicy(),
		maxRounds:    12,
		summaryItems: 40,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.OrNop(e.log)
	e.validator = validate.NewValidator(registry, e.log)
	return e
}

// classRun is the mutable state of one class extraction, owned by a single goroutine
type classRun struct {
	class   *schema.Class
	doc     *Document
	stored  []model.Instance
	seen    *Set
	summary model.ClassSummary
	log     *zap.Logger
}

// ExtractClass runs the loop for class over doc, continuing from prior
// (a checkpoint of already-accepted instances). It returns whatever was
// accumulated together with the error that stopped the class, if any.
// Only an unknown class returns a nil Result.
func (e *Engine) ExtractClass(ctx context.Context, class string, doc *Document, prior []model.Instance) (*Result, error) {
	c, err := e.registry.Get(class)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Text == "" {
		return nil, fmt.Errorf("extract %s: empty source text", class)
	}
	if doc.verify == nil {
		doc.verify = validate.NewSource(doc.Text)
	}
	chunks := doc.Chunks
	if len(chunks) == 0 {
		chunks = []chunk.Chunk{{ID: "document", Text: doc.Text, Tables: chunk.TableSignatures(doc.Text)}}
	}

	run := &classRun{
		class:   c,
		doc:     doc,
		stored:  append([]model.Instance(nil), prior...),
		seen:    NewSet(c, prior),
		summary: model.ClassSummary{Class: class, Prior: len(prior)},
		log:     e.log.With(zap.String("class", class)),
	}

	run.log.Info("starting extraction", zap.Int("prior", len(prior)), zap.Int("chunks", len(chunks)))

	var runErr error
	for _, ch := range chunks {
		var stop model.StopReason
		stop, runErr = e.runChunk(ctx, run, ch, len(chunks))
		run.summary.Stop = stop
		if runErr != nil {
			break
		}
	}

	if runErr != nil {
		run.summary.Error = runErr.Error()
	}
	run.log.Info("extraction finished",
		zap.String("stop", string(run.summary.Stop)),
		zap.Int("accepted", run.summary.Accepted),
		zap.Int("rejected", run.summary.Rejected),
		zap.Int("duplicates", run.summary.Duplicates),
		zap.Int("total", len(run.stored)),
	)

	return &Result{Instances: run.stored, Summary: run.summary}, runErr
}

// runChunk is the state machine for one chunk. Safe points for cancellation
// are ROUND_START; an in-flight call always completes and is accumulated.
func (e *Engine) runChunk(ctx context.Context, run *classRun, ch chunk.Chunk, chunks int) (model.StopReason, error) {
	var tables []string
	if e.scopeToTables {
		tables = ch.Tables
	}

	messages := []llm.Message{{
		Role:    llm.RoleUser,
		Content: UserPrompt(run.class, ch, chunks, Summarize(run.stored, e.summaryItems, tables)),
	}}

	state := StateRoundStart
	round := 0
	retried := false
	var resp *llm.ChatResponse
	var stop model.StopReason
	var stopErr error

	for state != StateDone {
		switch state {
		case StateRoundStart:
			if err := ctx.Err(); err != nil {
				stop, stopErr = model.StopCancelled, err
				state = StateDone
				continue
			}
			if round >= e.maxRounds {
				run.log.Warn("reached max rounds", zap.Int("max_rounds", e.maxRounds), zap.String("chunk", ch.ID))
				stop = model.StopMaxRounds
				state = StateDone
				continue
			}
			round++
			run.summary.Rounds++
			retried = false
			state = StateAwaitingToolCall

		case StateAwaitingToolCall:
			var err error
			resp, err = e.call(ctx, messages)
			if err != nil {
				switch {
				case ctx.Err() != nil:
					stop = model.StopCancelled
				case llm.IsTransient(err):
					stop = model.StopTransientFailure
				default:
					stop = model.StopAPIError
				}
				run.log.Warn("round failed", zap.Int("round", round), zap.Error(err))
				stopErr = fmt.Errorf("extract %s round %d: %w", run.class.Name, round, err)
				state = StateDone
				continue
			}

			if len(resp.ToolCalls) == 0 {
				if retried {
					run.log.Warn("no tool call after retry", zap.Int("round", round))
					stop = model.StopProtocolViolation
					stopErr = fmt.Errorf("extract %s round %d: %w", run.class.Name, round, ErrProtocolViolation)
					state = StateDone
					continue
				}
				run.log.Warn("response without tool call, retrying round",
					zap.Int("round", round), zap.String("content", truncate(resp.Content, 160)))
				retried = true
				if resp.Content != "" {
					messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
				}
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: reminder})
				continue
			}
			state = StateAccumulate

		case StateAccumulate:
			toolMessages, done := e.accumulate(run, ch, round, resp.ToolCalls)
			messages = append(messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			messages = append(messages, toolMessages...)

			if e.checkpoint != nil {
				if err := e.checkpoint(run.class.Name, run.stored); err != nil {
					run.log.Error("checkpoint failed", zap.Error(err))
					stop, stopErr = model.StopAPIError, fmt.Errorf("checkpoint %s: %w", run.class.Name, err)
					state = StateDone
					continue
				}
			}

			if done {
				run.log.Info("model signalled completion", zap.Int("round", round), zap.String("chunk", ch.ID))
				stop = model.StopCompleted
				state = StateDone
				continue
			}
			state = StateRoundStart
		}
	}
	return stop, stopErr
}

// call sends one turn with retries. The request itself runs without the
// caller's cancellation so a started call is never abandoned mid-flight.
func (e *Engine) call(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	req := llm.ChatRequest{
		Model:       e.model,
		System:      systemPrompt,
		Messages:    messages,
		Tools:       llm.ExtractionTools(),
		ToolChoice:  llm.ToolChoiceRequired,
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	}

	var resp *llm.ChatResponse
	err := e.retry.Do(ctx, func() error {
		var err error
		resp, err = e.provider.Chat(context.WithoutCancel(ctx), req)
		return err
	})
	return resp, err
}

// recordResult is the tool output returned for record_instances
type recordResult struct {
	Status      string   `json:"status"`
	Accepted    int      `json:"accepted"`
	Rejected    int      `json:"rejected"`
	Duplicates  int      `json:"duplicates"`
	Errors      []string `json:"errors,omitempty"`
	TotalStored int      `json:"total_stored"`
	Message     string   `json:"message,omitempty"`
}

// accumulate applies every tool call of one response in call order and
// returns the tool messages plus whether the model signalled completion.
func (e *Engine) accumulate(run *classRun, ch chunk.Chunk, round int, calls []llm.ToolCall) ([]llm.Message, bool) {
	var out []llm.Message
	done := false

	for _, call := range calls {
		var payload any
		switch call.Name {
		case llm.ToolRecordInstances:
			payload = e.recordInstances(run, ch, round, call)
		case llm.ToolAllExtracted:
			done = true
			var args llm.AllExtractedArgs
			if err := llm.ParseArgs(call, &args); err != nil || args.Reason == "" {
				args.Reason = "completed"
			}
			payload = map[string]any{"status": "done", "stored": len(run.stored), "reason": args.Reason}
		default:
			payload = map[string]any{"status": "error", "message": "unknown tool " + call.Name}
		}

		data, _ := json.Marshal(payload)
		out = append(out, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    string(data),
		})
	}
	return out, done
}

func (e *Engine) recordInstances(run *classRun, ch chunk.Chunk, round int, call llm.ToolCall) recordResult {
	var args llm.RecordInstancesArgs
	if err := llm.ParseArgs(call, &args); err != nil {
		return recordResult{Status: "error", Message: err.Error(), TotalStored: len(run.stored)}
	}

	res := recordResult{}
	prov := model.Provenance{Chunk: ch.ID, Table: args.TableSignature(), Round: round}

	for idx, raw := range args.Items {
		rec, err := model.DecodeRecord(raw)
		if err != nil || rec == nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d is not a JSON object", idx))
			continue
		}

		accepted, err := e.validator.ValidateSource(run.class.Name, rec, run.doc.verify)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d rejected: %v", idx, err))
			fields := []zap.Field{zap.Int("round", round), zap.Int("item", idx), zap.Error(err)}
			var rej *validate.Rejection
			if errors.As(err, &rej) && rej.Field != "" {
				fields = append(fields, zap.String("field", rej.Field), zap.String("quote", rej.Quote))
			}
			run.log.Warn("record rejected", fields...)
			continue
		}

		if !run.seen.Add(accepted) {
			res.Duplicates++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d duplicates a stored instance; skipped", idx))
			continue
		}

		run.stored = append(run.stored, model.Instance{Record: accepted, Provenance: prov})
		res.Accepted++
	}

	run.summary.Accepted += res.Accepted
	run.summary.Rejected += res.Rejected
	run.summary.Duplicates += res.Duplicates

	res.TotalStored = len(run.stored)
	switch {
	case len(res.Errors) == 0:
		res.Status = "ok"
	case res.Accepted > 0:
		res.Status = "partial"
	default:
		res.Status = "rejected"
	}

	run.log.Info("record_instances",
		zap.Int("round", round),
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", res.Rejected),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("total", res.TotalStored),
	)
	return res
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Package engine drives thread runs: prompt assembly within the model's
// token budget, streaming LLM calls, tool dispatch, persistence, and the
// bounded auto-continue loop, emitting one normalized event stream per
// run.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/internal/billing"
	"github.com/weftlabs/weft/internal/compact"
	"github.com/weftlabs/weft/internal/hints"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/memory"
	catalog "github.com/weftlabs/weft/internal/models"
	"github.com/weftlabs/weft/internal/observability"
	"github.com/weftlabs/weft/internal/pairing"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/tokens"
	"github.com/weftlabs/weft/internal/tools"
	"github.com/weftlabs/weft/pkg/models"
)

// Deps carries the orchestrator's collaborators. Store, Catalog,
// Transports, Accountant, Compressor, and Tools are required; the rest
// default to no-ops.
type Deps struct {
	Store      store.Store
	Catalog    *catalog.Catalog
	Transports *llm.Registry
	Accountant *tokens.Accountant
	Compressor *compact.Compressor
	Tools      *tools.Registry

	// Executor defaults to a new executor over Tools.
	Executor *tools.Executor
	// Billing defaults to NopSink.
	Billing billing.Sink
	// Memory is the optional memory-block provider.
	Memory memory.Provider
	// Hints backs the vision model switch. Nil disables it.
	Hints *hints.Cache

	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Timeline *observability.TimelineRecorder
}

// Orchestrator runs threads end to end. One instance serves many
// concurrent runs; all per-run state lives on the run goroutine.
type Orchestrator struct {
	cfg Config

	store      store.Store
	catalog    *catalog.Catalog
	transports *llm.Registry
	accountant *tokens.Accountant
	compressor *compact.Compressor
	tools      *tools.Registry
	executor   *tools.Executor
	billing    billing.Sink
	memory     memory.Provider
	hints      *hints.Cache
	assembler  *Assembler
	est        *tokens.Estimator

	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	timeline *observability.TimelineRecorder
}

// New builds an orchestrator. Missing required dependencies are an
// error; optional ones get no-op defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Catalog == nil:
		return nil, errors.New("engine: model catalog is required")
	case deps.Transports == nil:
		return nil, errors.New("engine: transport registry is required")
	case deps.Accountant == nil:
		return nil, errors.New("engine: token accountant is required")
	case deps.Compressor == nil:
		return nil, errors.New("engine: compressor is required")
	case deps.Tools == nil:
		return nil, errors.New("engine: tool registry is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	executor := deps.Executor
	if executor == nil {
		executor = tools.NewExecutor(deps.Tools, tools.DefaultExecConfig(), logger.Slog())
	}
	sink := deps.Billing
	if sink == nil {
		sink = billing.NopSink{}
	}

	return &Orchestrator{
		cfg:        sanitizeConfig(cfg),
		store:      deps.Store,
		catalog:    deps.Catalog,
		transports: deps.Transports,
		accountant: deps.Accountant,
		compressor: deps.Compressor,
		tools:      deps.Tools,
		executor:   executor,
		billing:    sink,
		memory:     deps.Memory,
		hints:      deps.Hints,
		assembler:  NewAssembler(),
		est:        tokens.NewEstimator(),
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		timeline:   deps.Timeline,
	}, nil
}

// RunRequest parameterizes one thread run.
type RunRequest struct {
	ThreadID     string
	SystemPrompt string

	// Model is the catalog id for the run. Empty uses the engine
	// default.
	Model string

	// Config overrides the orchestrator configuration for this run.
	Config *Config
}

// runState is the working set of one run.
type runState struct {
	history []*models.Message

	// priorTotal is the last known total token count for the thread,
	// from the prefetched usage record and then from each iteration's
	// report. extra estimates tokens appended since: the new user
	// message, then tool results.
	priorTotal int
	havePrior  bool
	extra      int

	memBlock  *models.Message
	memTokens int
}

// RunThread starts a run and returns its event stream. Validation and
// thread lookup happen synchronously; everything else runs on a
// goroutine that closes the channel when the run ends. Callers must
// drain the channel.
//
// The context governs the whole run: canceling it stops the run at the
// next suspension point. In-flight tools finish and their results
// persist with a cancelled marker.
func (o *Orchestrator) RunThread(ctx context.Context, req RunRequest) (<-chan *models.Event, error) {
	if req.ThreadID == "" {
		return nil, errors.New("engine: thread id is required")
	}

	cfg := o.cfg
	if req.Config != nil {
		cfg = sanitizeConfig(*req.Config)
	}

	modelID := req.Model
	if modelID == "" {
		modelID = cfg.DefaultModel
	}
	model, ok := o.catalog.Get(modelID)
	if !ok {
		return nil, &RunError{Stage: StageInit, Cause: errors.New("unknown model " + modelID)}
	}

	thread, err := o.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, &RunError{Stage: StageInit, Cause: err}
	}

	events := make(chan *models.Event, eventBufferSize)
	go o.run(ctx, cfg, thread, model, req.SystemPrompt, events)
	return events, nil
}

func (o *Orchestrator) run(ctx context.Context, cfg Config, thread *models.Thread, model *catalog.Model, system string, events chan<- *models.Event) {
	defer close(events)

	run := &models.AgentRun{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		Model:     model.ID,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
	}

	ctx = observability.AddRunID(ctx, run.ID)
	ctx = observability.AddThreadID(ctx, thread.ID)
	ctx = observability.AddAccountID(ctx, thread.AccountID)
	ctx, span := o.tracer.TraceRun(ctx, thread.AccountID, thread.ID, run.ID)
	defer span.End()

	var seq uint64
	emit := func(ctx context.Context, ev *models.Event) {
		seq++
		ev.Sequence = seq
		ev.RunID = run.ID
		ev.ThreadID = thread.ID
		events <- ev
	}
	emitStatus := func(state models.StatusState, reason models.FinishReason, usage *models.UsageReport) {
		ev := models.NewStatusEvent(state, reason)
		ev.Status.Usage = usage
		emit(ctx, ev)
	}

	finalize := func() {
		run.CompletedAt = time.Now()
		o.metrics.RecordRun(string(run.Status), run.Iterations)
		o.timeline.Record(ctx, observability.Step{
			Type:     observability.StepRunEnd,
			Name:     string(run.Status),
			Duration: run.CompletedAt.Sub(run.StartedAt),
			Error:    run.Error,
		})
		o.logger.Info(ctx, "run finished",
			"status", run.Status,
			"iterations", run.Iterations,
			"duration", run.CompletedAt.Sub(run.StartedAt))
	}
	defer finalize()

	// Cancellation point: run entry. Nothing has been called or
	// persisted yet.
	if ctx.Err() != nil {
		run.Status = models.RunStopped
		emitStatus(models.StatusStopped, "", nil)
		return
	}

	o.timeline.Record(ctx, observability.Step{Type: observability.StepRunStart, Name: model.ID})
	o.logger.Info(ctx, "run started", "model", model.ID)

	model = o.visionSwitch(ctx, cfg, thread.ID, model)
	run.Model = model.ID

	st, err := o.prepare(ctx, cfg, thread, model)
	if err != nil {
		rerr := &RunError{Stage: StageInit, Cause: err}
		run.Status = models.RunFailed
		run.Error = rerr.Error()
		emit(ctx, models.NewErrorEvent(rerr, "init_failed", false))
		emitStatus(models.StatusError, "", nil)
		return
	}

	ac := newAutoContinue(cfg, o.billing, o.logger, o.metrics)
	proc := &processor{
		threadID: thread.ID,
		store:    o.store,
		registry: o.tools,
		executor: o.executor,
		est:      o.est,
		encoding: model.Encoding,
		xmlTools: cfg.XMLTools,
		xmlLimit: cfg.XMLToolLimit,
		logger:   o.logger,
		metrics:  o.metrics,
		timeline: o.timeline,
		emit:     emit,
	}

	finish := models.FinishStop
	for {
		// Cancellation point: between iterations.
		if ctx.Err() != nil {
			run.Status = models.RunStopped
			emitStatus(models.StatusStopped, "", nil)
			return
		}

		if err := ac.begin(ctx, thread.AccountID); err != nil {
			if notice := capNotice(err); notice != "" {
				emit(ctx, models.NewContentEvent(notice))
			}
			run.Status = models.RunStopped
			run.Error = err.Error()
			emitStatus(models.StatusStopped, finish, nil)
			return
		}

		res := o.runIteration(ctx, cfg, thread, model, system, st, ac, proc)

		if res.streamErr != nil {
			action, aerr := ac.afterStreamError(ctx, res.streamErr)
			if action == actionRetry {
				continue
			}
			rerr := &RunError{Stage: StageStream, Iteration: ac.iteration, Cause: aerr}
			run.Status = models.RunFailed
			run.Error = rerr.Error()
			if notice := capNotice(aerr); notice != "" {
				emit(ctx, models.NewContentEvent(notice))
			}
			class := llm.Classify(aerr)
			emit(ctx, models.NewErrorEvent(rerr, string(class), class.Retryable()))
			emitStatus(models.StatusError, "", nil)
			return
		}
		if res.fatal != nil {
			run.Status = models.RunFailed
			run.Error = res.fatal.Error()
			emit(ctx, models.NewErrorEvent(res.fatal, "run_failed", false))
			emitStatus(models.StatusError, "", nil)
			return
		}

		if res.canceled {
			run.Status = models.RunStopped
			emitStatus(models.StatusStopped, "", res.report)
			return
		}

		finish = res.finish
		emitStatus(models.StatusRunning, finish, res.report)

		ac.advance()
		run.Iterations = ac.iteration

		if ac.afterFinish(finish) != actionContinue {
			run.Status = models.RunCompleted
			emitStatus(models.StatusCompleted, finish, nil)
			return
		}
	}
}

// iterResult is the outcome of one loop attempt.
type iterResult struct {
	finish   models.FinishReason
	report   *models.UsageReport
	canceled bool

	// streamErr is a transport failure bound for classification.
	streamErr error
	// fatal is a non-transport failure that ends the run.
	fatal *RunError
}

// runIteration executes pipeline steps for one LLM call: prompt build,
// stream, persistence, tool dispatch, and usage accounting.
func (o *Orchestrator) runIteration(ctx context.Context, cfg Config, thread *models.Thread, model *catalog.Model, system string, st *runState, ac *autoContinue, proc *processor) *iterResult {
	ctx, span := o.tracer.TraceIteration(ctx, ac.iteration)
	defer span.End()

	prompt, err := o.buildPrompt(ctx, cfg, thread.ID, model, system, st, ac)
	if err != nil {
		return &iterResult{fatal: &RunError{Stage: StageAssemble, Iteration: ac.iteration, Cause: err}}
	}

	// Cancellation point: before the LLM call. Nothing from this
	// iteration is persisted.
	if ctx.Err() != nil {
		return &iterResult{canceled: true}
	}

	out, streamErr := o.streamOnce(ctx, cfg, model, ac, proc, prompt)
	if streamErr != nil {
		return &iterResult{streamErr: streamErr}
	}

	report := o.usageReport(ctx, model, prompt, out)

	msg, perr := proc.persistAssistant(ctx, out, report)
	if perr != nil {
		return &iterResult{fatal: &RunError{Stage: StagePersist, Iteration: ac.iteration, Cause: mapStoreErr(perr)}}
	}
	if msg != nil {
		report.MessageID = msg.ID
		st.history = append(st.history, msg)
	}
	o.recordBilling(ctx, thread, report)

	st.priorTotal = report.TotalTokens()
	st.havePrior = true
	st.extra = 0

	if out.canceled {
		return &iterResult{canceled: true, report: &report}
	}

	finish := out.finish
	if len(out.calls) > 0 {
		disp := proc.dispatch(ctx, out.calls)
		toolMsgs, terr := proc.persistResults(ctx, disp, ctx.Err() != nil)
		if terr != nil {
			return &iterResult{fatal: &RunError{Stage: StageTools, Iteration: ac.iteration, Cause: mapStoreErr(terr)}}
		}
		st.history = append(st.history, toolMsgs...)
		st.extra += disp.toolTokens
		if disp.terminated {
			finish = models.FinishAgentTerminated
		}
	}

	return &iterResult{finish: finish, report: &report}
}

// buildPrompt runs the prompt half of the pipeline: strip fallback,
// token decision, compression, pairing repair, normalization, assembly
// with cache markers, and the late safety-net recount.
func (o *Orchestrator) buildPrompt(ctx context.Context, cfg Config, threadID string, model *catalog.Model, system string, st *runState, ac *autoContinue) (Prompt, error) {
	if ac.consumeStrip() {
		// The provider rejected the tool structure; past tool content
		// stays stripped for the rest of the run. The store keeps the
		// originals.
		st.history = pairing.StripToolContent(st.history)
	}

	limit := model.EffectiveContextLimit()
	toolOverhead := o.accountant.CountTools(model, o.toolSchemas())

	predicted := st.priorTotal + st.extra + st.memTokens + toolOverhead
	fastPath := st.havePrior && float64(predicted) <= cfg.FastPathRatio*float64(limit)

	if !fastPath {
		total, err := o.accountant.Count(ctx, model, st.history, system)
		if err != nil {
			return Prompt{}, err
		}
		if total+st.memTokens+toolOverhead > limit {
			if err := o.compress(ctx, threadID, model, system, st, total+st.memTokens+toolOverhead); err != nil {
				return Prompt{}, err
			}
		}
	}

	st.history = o.validateAndRepair(ctx, threadID, st.history)

	if n := models.NormalizeToolCallArguments(st.history); n > 0 {
		o.logger.Debug(ctx, "normalized tool call arguments", "count", n)
	}

	prompt := o.assemble(ctx, threadID, model, system, st)

	// Late safety net: the fast-path estimate can be wrong, and repair
	// or normalization can shift sizes. An authoritative recount of the
	// final prompt catches a crossing before the wire does.
	actual, err := o.accountant.Count(ctx, model, prompt.Messages, system)
	if err != nil {
		return Prompt{}, err
	}
	if actual+toolOverhead > limit {
		if err := o.compress(ctx, threadID, model, system, st, actual+toolOverhead); err != nil {
			return Prompt{}, err
		}
		st.history = o.validateAndRepair(ctx, threadID, st.history)
		models.NormalizeToolCallArguments(st.history)
		prompt = o.assemble(ctx, threadID, model, system, st)
	}
	return prompt, nil
}

// compress runs the compressor over the working history and flags the
// thread for a cache marker rebuild when anything changed.
func (o *Orchestrator) compress(ctx context.Context, threadID string, model *catalog.Model, system string, st *runState, actualTotal int) error {
	ctx, span := o.tracer.TraceCompression(ctx, threadID)
	defer span.End()

	compressed, result, err := o.compressor.Compress(ctx, model, st.history, system, actualTotal)
	if err != nil {
		return err
	}
	if !result.Compressed {
		o.metrics.RecordCompression("noop", 0)
		return nil
	}

	st.history = compressed
	o.metrics.RecordCompression("compressed", result.TokensBefore-result.TokensAfter)
	o.timeline.Record(ctx, observability.Step{
		Type: observability.StepCompression,
		Detail: map[string]any{
			"tokens_before":  result.TokensBefore,
			"tokens_after":   result.TokensAfter,
			"groups_omitted": result.GroupsOmitted,
		},
	})
	o.logger.Info(ctx, "history compressed",
		"tokens_before", result.TokensBefore,
		"tokens_after", result.TokensAfter,
		"tools_summarized", result.ToolsSummarized,
		"truncated", result.Truncated,
		"groups_omitted", result.GroupsOmitted)

	// Marker positions are stale once history changes shape.
	if err := o.store.SetCacheNeedsRebuild(ctx, threadID, true); err != nil {
		o.logger.Warn(ctx, "cache rebuild flag set failed", "error", err)
	}
	return nil
}

// assemble reads the rebuild flag, builds the prompt, and clears the
// flag once markers are placed.
func (o *Orchestrator) assemble(ctx context.Context, threadID string, model *catalog.Model, system string, st *runState) Prompt {
	rebuild, err := o.store.GetCacheNeedsRebuild(ctx, threadID)
	if err != nil {
		o.logger.Warn(ctx, "cache rebuild flag read failed", "error", err)
		rebuild = true
	}

	prompt := o.assembler.Build(threadID, system, st.memBlock, st.history, model.SupportsCaching(), rebuild)

	if rebuild {
		if err := o.store.SetCacheNeedsRebuild(ctx, threadID, false); err != nil {
			o.logger.Warn(ctx, "cache rebuild flag clear failed", "error", err)
		}
	}
	return prompt
}

// streamOnce resolves the transport, honoring the fallback reroute, and
// drains one stream through the processor.
func (o *Orchestrator) streamOnce(ctx context.Context, cfg Config, model *catalog.Model, ac *autoContinue, proc *processor, prompt Prompt) (*turnOutcome, error) {
	transportID := model.TransportID
	if ac.useFallback {
		switch {
		case model.FallbackTransportID != "":
			transportID = model.FallbackTransportID
		case cfg.FallbackTransport != "":
			transportID = cfg.FallbackTransport
		}
	}
	transport, providerModel, err := o.transports.Resolve(transportID)
	if err != nil {
		return nil, err
	}

	req := llm.Request{
		Model:        providerModel,
		System:       prompt.System,
		SystemCached: prompt.SystemCached,
		Messages:     prompt.Messages,
		Tools:        o.toolSchemas(),
		MaxTokens:    completionCap(cfg, model),
		Temperature:  cfg.Temperature,
	}
	if cfg.XMLTools {
		req.StopSequences = []string{StopAgent}
	}

	ctx, span := o.tracer.TraceLLMStream(ctx, transport.Name(), providerModel)
	defer span.End()
	o.timeline.Record(ctx, observability.Step{Type: observability.StepLLMRequest, Name: transportID})

	start := time.Now()
	deltas, err := transport.Stream(ctx, req)
	if err != nil {
		o.tracer.RecordError(span, err)
		return nil, err
	}

	out, err := proc.consume(ctx, deltas)
	elapsed := time.Since(start)
	if err != nil {
		o.tracer.RecordError(span, err)
		o.metrics.RecordLLMRequest(transport.Name(), model.ID, elapsed, models.UsageReport{})
		return nil, err
	}

	var usage models.UsageReport
	if out.usage != nil {
		usage = out.usage.Report(model.ID)
	}
	o.metrics.RecordLLMRequest(transport.Name(), model.ID, elapsed, usage)
	o.timeline.Record(ctx, observability.Step{
		Type:     observability.StepLLMResponse,
		Name:     string(out.finish),
		Duration: elapsed,
	})
	return out, nil
}

// usageReport returns the turn's usage: the provider's exact block when
// it sent one, an estimate otherwise. A turn always yields a report so
// billing never drops a charge.
func (o *Orchestrator) usageReport(ctx context.Context, model *catalog.Model, prompt Prompt, out *turnOutcome) models.UsageReport {
	if out.usage != nil {
		return out.usage.Report(model.ID)
	}
	return o.accountant.Estimate(ctx, model, prompt.Messages, prompt.System, out.text)
}

func (o *Orchestrator) recordBilling(ctx context.Context, thread *models.Thread, report models.UsageReport) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	rec := billing.NewRecord(thread.AccountID, thread.ID, report)
	if err := o.billing.Record(bctx, rec); err != nil {
		// Billing never fails a turn.
		o.logger.Error(ctx, "billing record failed", "error", err)
	}
	o.timeline.Record(ctx, observability.Step{
		Type:   observability.StepBilling,
		Detail: map[string]any{"tokens": report.TotalTokens(), "estimated": report.Estimated},
	})
}

// prepare prefetches the history and the prior usage record
// concurrently, falling back to inline fetches, and loads the optional
// memory block.
func (o *Orchestrator) prepare(ctx context.Context, cfg Config, thread *models.Thread, model *catalog.Model) (*runState, error) {
	st := &runState{}

	var (
		history    []*models.Message
		historyErr error
		prior      *models.UsageReport
		priorErr   error
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		hctx, cancel := context.WithTimeout(ctx, cfg.HistoryPrefetchTimeout)
		defer cancel()
		start := time.Now()
		history, historyErr = o.store.List(hctx, thread.ID, false)
		o.metrics.RecordStoreOperation("list", time.Since(start))
		return nil
	})
	g.Go(func() error {
		uctx, cancel := context.WithTimeout(ctx, cfg.UsagePrefetchTimeout)
		defer cancel()
		prior, priorErr = o.store.GetLastUsageRecord(uctx, thread.ID)
		return nil
	})
	_ = g.Wait()

	if historyErr != nil {
		o.logger.Warn(ctx, "history prefetch failed, refetching inline", "error", historyErr)
		history, historyErr = o.store.List(ctx, thread.ID, false)
		if historyErr != nil {
			return nil, mapStoreErr(historyErr)
		}
	}
	st.history = history

	if priorErr != nil {
		o.logger.Warn(ctx, "usage prefetch failed, refetching inline", "error", priorErr)
		prior, priorErr = o.store.GetLastUsageRecord(ctx, thread.ID)
		if priorErr != nil {
			// Prior usage only powers the fast path; absence means the
			// full check runs.
			prior = nil
		}
	}
	if prior != nil {
		st.priorTotal = prior.TotalTokens()
		st.havePrior = true
	}

	if latest := latestUserContent(history); latest != "" {
		st.extra = o.est.CountText(model.Encoding, latest)
	}

	if o.memory != nil {
		block, err := o.memory.FetchBlock(ctx, thread.AccountID, thread.ID)
		switch {
		case err != nil:
			o.logger.Warn(ctx, "memory block fetch failed, proceeding without", "error", err)
		case block != nil:
			st.memBlock = block
			st.memTokens = o.est.CountText(model.Encoding, block.Content)
		}
	}
	return st, nil
}

// visionSwitch swaps to the configured vision model for this run when
// the requested model lacks vision and the thread carries images. The
// thread's default model is untouched.
func (o *Orchestrator) visionSwitch(ctx context.Context, cfg Config, threadID string, model *catalog.Model) *catalog.Model {
	if model.SupportsVision() || cfg.VisionModel == "" || o.hints == nil {
		return model
	}
	has, err := o.hints.HasImages(ctx, threadID)
	if err != nil {
		o.logger.Warn(ctx, "image hint lookup failed", "error", err)
		return model
	}
	if !has {
		return model
	}
	vision, ok := o.catalog.Get(cfg.VisionModel)
	if !ok {
		o.logger.Warn(ctx, "vision model not in catalog", "model", cfg.VisionModel)
		return model
	}
	o.logger.Info(ctx, "thread has images, switching model for run",
		"from", model.ID, "to", vision.ID)
	return vision
}

// validateAndRepair enforces the pairing properties on the working
// history. Violations are repaired in memory and flagged in the store
// so the corruption never resurfaces on refetch.
func (o *Orchestrator) validateAndRepair(ctx context.Context, threadID string, msgs []*models.Message) []*models.Message {
	report := pairing.Validate(msgs)
	if report.Clean() {
		return msgs
	}

	repaired, _ := pairing.Repair(msgs)
	o.logger.Warn(ctx, "pairing violations repaired",
		"orphaned", len(report.OrphanedResults),
		"unanswered", len(report.UnansweredCalls),
		"out_of_order", len(report.OutOfOrder))
	o.timeline.Record(ctx, observability.Step{
		Type: observability.StepRepair,
		Detail: map[string]any{
			"orphaned":     len(report.OrphanedResults),
			"unanswered":   len(report.UnansweredCalls),
			"out_of_order": len(report.OutOfOrder),
		},
	})

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	omit := append(append([]string{}, report.OrphanedResults...), report.OutOfOrder...)
	if len(omit) > 0 {
		if _, err := o.store.MarkToolResultsOmitted(pctx, threadID, omit); err != nil {
			o.logger.Warn(ctx, "orphan flag persist failed", "error", err)
		}
	}
	drop := append(append([]string{}, report.UnansweredCalls...), report.OutOfOrder...)
	if len(drop) > 0 {
		if _, err := o.store.RemoveToolCallsFromAssistants(pctx, threadID, drop); err != nil {
			o.logger.Warn(ctx, "unanswered call removal failed", "error", err)
		}
	}
	o.store.InvalidateCache(threadID)
	o.assembler.Forget(threadID)
	return repaired
}

func (o *Orchestrator) toolSchemas() []llm.ToolSchema {
	descs := o.tools.Descriptors()
	if len(descs) == 0 {
		return nil
	}
	schemas := make([]llm.ToolSchema, 0, len(descs))
	for _, d := range descs {
		schemas = append(schemas, llm.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema,
		})
	}
	return schemas
}

// completionCap bounds the completion to the smaller of the configured
// cap and the model's output limit.
func completionCap(cfg Config, model *catalog.Model) int {
	max := cfg.MaxTokens
	if model.MaxOutputTokens > 0 && model.MaxOutputTokens < max {
		max = model.MaxOutputTokens
	}
	return max
}

func latestUserContent(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func mapStoreErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrStoreTimeout, err)
	}
	return err
}

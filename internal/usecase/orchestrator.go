// File: internal/usecase/orchestrator.go
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/infra/logging"
	"grading-orchestrator/internal/infra/metrics"
)

// Stage is one orchestrator state with work attached. Run fills its own
// output field of the state and reports intermediate progress through p.
type Stage interface {
	Name() model.Stage
	Run(ctx context.Context, st *model.GradingState, p Progress) error
}

// Progress reports a percentage and a short message within the running stage.
type Progress func(percent int, message string)

// Guard is consulted before every transition. It returns a Cancelled error
// for an externally cancelled submission and a LeaseExpired error when the
// caller no longer owns the work.
type Guard func(ctx context.Context) error

// Transition moves the machine from one state to another when its predicate holds.
type Transition struct {
	From model.Stage
	To   model.Stage
	When func(st *model.GradingState) bool
}

func always(*model.GradingState) bool { return true }

func cacheHit(st *model.GradingState) bool { return st.Cache != nil && st.Cache.Hit }

func cacheMiss(st *model.GradingState) bool { return !cacheHit(st) }

// needsLocation holds when some graded error reaches the plan's minimum severity.
func needsLocation(st *model.GradingState) bool {
	if st.Grading == nil || st.Plan == nil {
		return false
	}
	for _, q := range st.Grading.Questions {
		for _, e := range q.Errors {
			if e.Severity.AtLeast(st.Plan.MinLocateSeverity) {
				return true
			}
		}
	}
	return false
}

func skipLocation(st *model.GradingState) bool { return !needsLocation(st) }

// Transitions is the grading pipeline. Failed and Cancelled are reachable
// from every state and are not listed.
var Transitions = []Transition{
	{From: model.StageQueued, To: model.StageCacheCheck, When: always},
	{From: model.StageCacheCheck, To: model.StageHitDone, When: cacheHit},
	{From: model.StageCacheCheck, To: model.StageSegmenting, When: cacheMiss},
	{From: model.StageHitDone, To: model.StageDone, When: always},
	{From: model.StageSegmenting, To: model.StageGrading, When: always},
	{From: model.StageGrading, To: model.StageLocating, When: needsLocation},
	{From: model.StageGrading, To: model.StageAssembling, When: skipLocation},
	{From: model.StageLocating, To: model.StageAssembling, When: always},
	{From: model.StageAssembling, To: model.StageDone, When: always},
}

var stageEntry = map[model.Stage]struct {
	percent int
	message string
}{
	model.StageCacheCheck: {5, "checking for a previous grading"},
	model.StageHitDone:    {95, "identical submission found; reusing its grading"},
	model.StageSegmenting: {30, "splitting the submission into questions"},
	model.StageGrading:    {50, "grading questions"},
	model.StageLocating:   {70, "locating errors on the images"},
	model.StageAssembling: {95, "assembling the result"},
}

// Orchestrator runs one submission through the stage machine. It holds no
// per-submission state; concurrent Run calls are independent.
type Orchestrator struct {
	stages      map[model.Stage]Stage
	transitions []Transition
	publisher   adapter.ProgressPublisher
	tracer      trace.Tracer
	now         func() time.Time
	logger      *zerolog.Logger
}

func NewOrchestrator(stages []Stage, publisher adapter.ProgressPublisher, logger *zerolog.Logger) *Orchestrator {
	l := logger.With().Str("component", "orchestrator").Logger()
	o := &Orchestrator{
		stages:      make(map[model.Stage]Stage, len(stages)),
		transitions: Transitions,
		publisher:   publisher,
		tracer:      otel.Tracer("grading-orchestrator/usecase"),
		now:         time.Now,
		logger:      &l,
	}
	for _, s := range stages {
		o.stages[s.Name()] = s
	}
	return o
}

// Run drives the submission from Queued to Done and returns the assembled
// result. On failure the returned error keeps its domain kind; the caller
// decides between Failed, Cancelled, retry-later and abandon.
func (o *Orchestrator) Run(ctx context.Context, sub model.Submission, guard Guard) (*model.GradingResult, error) {
	ctx = logging.WithSubmissionID(ctx, sub.ID)
	log := logging.With(ctx, o.logger)
	st := model.NewGradingState(sub, o.now())

	for {
		next, err := o.next(st)
		if err != nil {
			st.Stage, st.Err = model.StageFailed, err
			return nil, err
		}
		if guard != nil {
			if err := guard(ctx); err != nil {
				o.stop(st, err)
				log.Info().Err(err).Str("at", string(st.Stage)).Msg("stopped at stage boundary")
				return nil, err
			}
		}
		if ctx.Err() != nil {
			o.stop(st, ctx.Err())
			return nil, ctx.Err()
		}

		prev := st.Stage
		st.Stage = next
		log.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("transition")
		if next == model.StageDone {
			if st.Result == nil {
				st.Stage = model.StageFailed
				st.Err = domain.E(domain.KindInternal, "orchestrator", fmt.Errorf("reached done without a result"))
				return nil, st.Err
			}
			return st.Result, nil
		}

		if err := o.runStage(ctx, st, next); err != nil {
			o.stop(st, err)
			return nil, err
		}
	}
}

func (o *Orchestrator) runStage(ctx context.Context, st *model.GradingState, name model.Stage) (err error) {
	stage, ok := o.stages[name]
	if !ok {
		return domain.E(domain.KindInternal, "orchestrator", fmt.Errorf("no stage registered for %s", name))
	}
	entry := stageEntry[name]
	o.emit(ctx, st, entry.percent, entry.message)

	sctx, span := o.tracer.Start(ctx, "stage."+string(name), trace.WithAttributes(
		attribute.String("submission.id", st.Submission.ID),
	))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = domain.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.ObserveStage(string(name), outcome, time.Since(start).Milliseconds())
		span.End()
	}()

	if err := stage.Run(sctx, st, func(pct int, msg string) { o.emit(ctx, st, pct, msg) }); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// next returns the first transition out of the current state whose predicate holds.
func (o *Orchestrator) next(st *model.GradingState) (model.Stage, error) {
	for _, t := range o.transitions {
		if t.From == st.Stage && t.When(st) {
			return t.To, nil
		}
	}
	return "", domain.E(domain.KindInternal, "orchestrator", fmt.Errorf("no transition out of %s", st.Stage))
}

func (o *Orchestrator) stop(st *model.GradingState, err error) {
	st.Err = err
	if domain.IsKind(err, domain.KindCancelled) {
		st.Cancelled = true
		st.Stage = model.StageCancelled
		return
	}
	st.Stage = model.StageFailed
}

func (o *Orchestrator) emit(ctx context.Context, st *model.GradingState, percent int, message string) {
	if o.publisher == nil {
		return
	}
	ev := model.ProgressEvent{
		SubmissionID:    st.Submission.ID,
		Stage:           st.Stage,
		PercentComplete: percent,
		Message:         message,
		Status:          model.StatusProcessing,
		At:              o.now(),
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Debug().Err(err).Str("submission_id", st.Submission.ID).Msg("progress publish failed")
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
	"github.com/hive-corporation/ioc-connectors/internal/observability"
)

// Phase is the step a cycle is currently in.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseFetching   Phase = "FETCHING"
	PhaseParsing    Phase = "PARSING"
	PhaseDiffing    Phase = "DIFFING"
	PhaseBuilding   Phase = "BUILDING"
	PhasePublishing Phase = "PUBLISHING"
	PhasePersisting Phase = "PERSISTING"
	PhaseSleeping   Phase = "SLEEPING"
)

// ErrorKind classifies how a cycle ended.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindFile means one or more files were skipped; the cycle still persisted.
	KindFile
	// KindFetch means the source could not be listed, read or archived.
	KindFetch
	// KindPublish means a platform call failed.
	KindPublish
	// KindFatal covers everything else, including recovered panics.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFile:
		return "file"
	case KindFetch:
		return "fetch"
	case KindPublish:
		return "publish"
	default:
		return "fatal"
	}
}

// ClassifyError maps a cycle error to its kind.
func ClassifyError(err error) ErrorKind {
	var pubErr *domain.PublishError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, domain.ErrMissingReportMetadata),
		errors.Is(err, domain.ErrMalformedRow),
		errors.Is(err, domain.ErrUnknownIOCType):
		return KindFile
	case errors.Is(err, domain.ErrSourceFetch):
		return KindFetch
	case errors.As(err, &pubErr):
		return KindPublish
	default:
		return KindFatal
	}
}

// CycleResult summarizes one cycle for the loop driver.
type CycleResult struct {
	Kind ErrorKind
	Err  error
	// Phase is where the cycle stopped.
	Phase     Phase
	Batches   int
	Skipped   int
	Published int
	Rejected  int
	Removed   int
	Persisted bool
	Started   time.Time
	Duration  time.Duration
}

// RunnerConfig holds the loop options fixed at startup.
type RunnerConfig struct {
	Connector   string
	Interval    time.Duration
	FatalPause  time.Duration
	ExitOnFatal bool
	Once        bool
	PublishMode PublishMode
	// DeleteStale deletes platform observables that left a full source.
	DeleteStale bool
}

// Status is the last published view of the runner, safe to read from other
// goroutines.
type Status struct {
	Connector   string    `json:"connector"`
	Phase       Phase     `json:"phase"`
	Cycles      int       `json:"cycles"`
	LastKind    string    `json:"last_result"`
	LastError   string    `json:"last_error,omitempty"`
	LastCycle   time.Time `json:"last_cycle"`
	LastSuccess time.Time `json:"last_success"`
	SnapshotLen int       `json:"snapshot_keys"`
	Running     bool      `json:"running"`
}

// Runner drives cycles: fetch, parse, diff, build, publish, archive, persist.
type Runner struct {
	cfg       RunnerConfig
	source    ports.Source
	store     ports.StateStore
	builder   *domain.Builder
	publisher *Publisher
	notifier  ports.Notifier
	logger    *zap.Logger
	now       func() time.Time

	phase  atomic.Value // Phase
	mu     sync.Mutex
	status Status
}

func NewRunner(cfg RunnerConfig, source ports.Source, store ports.StateStore, builder *domain.Builder, publisher *Publisher, notifier ports.Notifier, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Connector == "" {
		cfg.Connector = source.Name()
	}
	if cfg.PublishMode == "" {
		cfg.PublishMode = PublishBundle
	}
	if cfg.FatalPause <= 0 {
		cfg.FatalPause = time.Minute
	}
	r := &Runner{
		cfg:       cfg,
		source:    source,
		store:     store,
		builder:   builder,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger.With(zap.String("connector", cfg.Connector)),
		now:       time.Now,
		status:    Status{Connector: cfg.Connector, Phase: PhaseIdle, LastKind: KindNone.String()},
	}
	r.phase.Store(PhaseIdle)
	return r
}

// SetClock replaces the runner's time source.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Phase returns the current phase.
func (r *Runner) Phase() Phase { return r.phase.Load().(Phase) }

// Status returns a copy of the last published status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.Phase = r.Phase()
	return s
}

func (r *Runner) enter(p Phase) {
	r.phase.Store(p)
	r.logger.Debug("phase", zap.String("phase", string(p)))
}

// RunCycle runs one complete cycle. State is saved only when every batch was
// published (or skipped at file level) and archived.
func (r *Runner) RunCycle(ctx context.Context) (res CycleResult) {
	timer := observability.StartTimer()
	res.Started = r.now().UTC()

	defer func() {
		if p := recover(); p != nil {
			res.Kind = KindFatal
			res.Err = fmt.Errorf("panic in %s: %v", r.Phase(), p)
			res.Persisted = false
		}
		if res.Phase == "" {
			res.Phase = r.Phase()
		}
		res.Duration = timer.Elapsed()
		r.finish(res)
	}()

	res = r.cycle(ctx, res)
	return res
}

func (r *Runner) cycle(ctx context.Context, res CycleResult) CycleResult {
	abort := func(err error) CycleResult {
		res.Err = err
		res.Kind = ClassifyError(err)
		if res.Kind == KindFile || res.Kind == KindNone {
			res.Kind = KindFatal
		}
		res.Phase = r.Phase()
		return res
	}

	r.enter(PhaseFetching)
	state, err := r.store.Load(ctx, r.cfg.Connector)
	if err != nil {
		return abort(fmt.Errorf("load state: %w", err))
	}
	if state.Snapshot == nil {
		state.Snapshot = make(domain.KeySet)
	}

	pending, err := r.source.Pending(ctx)
	if err != nil {
		return abort(err)
	}

	full := r.source.Mode() == domain.SnapshotFull
	snapshot := state.Snapshot.Clone()
	var fileErrs []error

	for _, pb := range pending {
		if err := ctx.Err(); err != nil {
			return abort(fmt.Errorf("%w: %v", domain.ErrSourceFetch, err))
		}

		r.enter(PhaseParsing)
		batch, err := pb.Load(ctx)
		if err != nil {
			if ClassifyError(err) == KindFile {
				r.logger.Warn("file skipped",
					zap.String("file", pb.Name()),
					zap.String("phase", string(PhaseParsing)),
					zap.Error(err))
				res.Skipped++
				fileErrs = append(fileErrs, err)
				continue
			}
			return abort(err)
		}
		res.Batches++
		res.Rejected += batch.Rejected

		// A full list with nothing usable is a broken download, not an empty
		// feed; diffing it would retract everything.
		if full && len(batch.Records) == 0 {
			return abort(fmt.Errorf("%w: %s yielded no valid records (%d rejected)",
				domain.ErrSourceFetch, batch.Name, batch.Rejected))
		}

		r.enter(PhaseDiffing)
		previous := snapshot
		if full {
			previous = state.Snapshot
		}
		diff := domain.Diff(batch.Records, previous)
		if !full {
			diff.Removed = nil
		}

		var graph *domain.EntityGraph
		if len(diff.Added) > 0 {
			r.enter(PhaseBuilding)
			graph, err = r.builder.Build(diff.Added, batch.Report, batch.Name)
			if err != nil {
				return abort(fmt.Errorf("build %s: %w", batch.Name, err))
			}
		}

		r.enter(PhasePublishing)
		if graph != nil {
			pub, err := r.publisher.Publish(ctx, graph, r.cfg.PublishMode)
			if err != nil {
				return abort(err)
			}
			res.Published += pub.Observables
		} else {
			r.logger.Info("nothing new", zap.String("file", batch.Name))
		}

		if full && len(diff.Removed) > 0 {
			res.Removed += len(diff.Removed)
			observability.RecordRemovals(len(diff.Removed))
			if r.cfg.DeleteStale {
				if _, err := r.publisher.Retract(ctx, diff.Removed); err != nil {
					return abort(err)
				}
			} else {
				r.logger.Info("keys left the source",
					zap.String("file", batch.Name),
					zap.Int("removed", len(diff.Removed)))
			}
		}

		if err := pb.Archive(ctx, r.now()); err != nil {
			return abort(fmt.Errorf("%w: %v", domain.ErrSourceFetch, err))
		}

		if full {
			snapshot = domain.KeysOf(batch.Records)
		} else {
			snapshot = snapshot.Union(domain.KeysOf(batch.Records))
		}

		// An archived batch is committed at once so a later failure in the
		// same cycle cannot lose its keys.
		r.enter(PhasePersisting)
		if err := r.store.Save(ctx, r.cfg.Connector, state.Advance(r.now(), snapshot)); err != nil {
			return abort(fmt.Errorf("save state after %s: %w", batch.Name, err))
		}

		r.notify(func(n ports.Notifier) error {
			summary := ports.BatchSummary{
				Connector: r.cfg.Connector,
				Batch:     batch.Name,
				Removed:   len(diff.Removed),
				Rejected:  batch.Rejected,
				Mode:      string(r.cfg.PublishMode),
			}
			if graph != nil {
				summary.ReportName = graph.Report.Name
				summary.Observables = len(graph.Observables)
				summary.Indicators = len(graph.Indicators)
			}
			return n.NotifyBatchPublished(summary)
		})
	}

	r.enter(PhasePersisting)
	at := r.now()
	next := state.Advance(at, snapshot)
	if err := r.store.Save(ctx, r.cfg.Connector, next); err != nil {
		return abort(fmt.Errorf("save state: %w", err))
	}
	res.Persisted = true
	observability.RecordPersisted(at, len(snapshot))

	if len(fileErrs) > 0 {
		res.Kind = KindFile
		res.Err = errors.Join(fileErrs...)
	}
	res.Phase = PhasePersisting

	r.mu.Lock()
	r.status.SnapshotLen = len(snapshot)
	r.status.LastSuccess = at.UTC()
	r.mu.Unlock()
	return res
}

func (r *Runner) finish(res CycleResult) {
	outcome := "success"
	if res.Kind != KindNone {
		outcome = res.Kind.String()
	}
	observability.RecordCycle(outcome, res.Duration)

	fields := []zap.Field{
		zap.String("result", res.Kind.String()),
		zap.Int("batches", res.Batches),
		zap.Int("skipped", res.Skipped),
		zap.Int("published", res.Published),
		zap.Int("rejected", res.Rejected),
		zap.Int("removed", res.Removed),
		zap.Bool("persisted", res.Persisted),
		zap.Duration("duration", res.Duration),
	}
	switch res.Kind {
	case KindNone, KindFile:
		r.logger.Info("cycle finished", append(fields, zap.Error(res.Err))...)
	default:
		r.logger.Error("cycle failed", append(fields, zap.String("phase", string(res.Phase)), zap.Error(res.Err))...)
		r.notify(func(n ports.Notifier) error {
			return n.NotifyCycleFailed(ports.CycleFailure{
				Connector: r.cfg.Connector,
				Kind:      res.Kind.String(),
				Phase:     string(res.Phase),
				Error:     res.Err.Error(),
			})
		})
	}

	r.mu.Lock()
	r.status.Cycles++
	r.status.LastKind = res.Kind.String()
	r.status.LastCycle = res.Started
	r.status.LastError = ""
	if res.Err != nil {
		r.status.LastError = res.Err.Error()
	}
	r.mu.Unlock()
	r.phase.Store(PhaseIdle)
}

func (r *Runner) notify(send func(ports.Notifier) error) {
	if r.notifier == nil {
		return
	}
	if err := send(r.notifier); err != nil {
		r.logger.Warn("notification failed", zap.Error(err))
	}
}

// Run drives cycles until ctx is cancelled. In once mode it returns after the
// first cycle. A fatal cycle ends the loop when ExitOnFatal is set; otherwise
// the loop pauses for FatalPause and goes on. Other failures wait for the
// next interval.
func (r *Runner) Run(ctx context.Context) error {
	r.setRunning(true)
	defer r.setRunning(false)

	r.logger.Info("connector started",
		zap.Duration("interval", r.cfg.Interval),
		zap.String("publish_mode", string(r.cfg.PublishMode)),
		zap.String("snapshot_mode", r.source.Mode().String()),
		zap.Bool("once", r.cfg.Once))

	for {
		res := r.RunCycle(ctx)

		if ctx.Err() != nil {
			r.logger.Info("connector stopping", zap.String("reason", ctx.Err().Error()))
			return nil
		}

		if r.cfg.Once {
			if res.Kind == KindNone || res.Kind == KindFile {
				return nil
			}
			return res.Err
		}

		wait := r.cfg.Interval
		if res.Kind == KindFatal {
			if r.cfg.ExitOnFatal {
				return fmt.Errorf("fatal cycle: %w", res.Err)
			}
			wait = r.cfg.FatalPause
		}

		r.phase.Store(PhaseSleeping)
		r.logger.Debug("sleeping", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			r.phase.Store(PhaseIdle)
			r.logger.Info("connector stopping", zap.String("reason", ctx.Err().Error()))
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Runner) setRunning(v bool) {
	r.mu.Lock()
	r.status.Running = v
	r.mu.Unlock()
}

package indexer

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/util/failedevents"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/util/spanlogger"
)

// Worker drives the fetch -> stage -> post -> commit loop for one partition.
// It owns its LogClient connection, its offset cursor, and its JobStatus; it
// is not safe to share a Worker across goroutines other than calling
// RequestShutdown/Status concurrently with Run.
type Worker struct {
	cfg       Config
	handler   Handler
	logClient LogClient
	logger    log.Logger
	metrics   *Metrics
	failed    *failedevents.Logger

	status            *statusTracker
	shutdownRequested *atomic.Bool

	// Touched only from within Run's goroutine.
	offsetForThisRound  int64
	nextOffsetToProcess int64
	isStartingFirstTime bool
}

// New constructs a Worker in state Initialized. It fails only if cfg is
// invalid.
func New(cfg Config, handler Handler, logClient LogClient, logger log.Logger, metrics *Metrics) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = log.With(logger, "topic", cfg.Topic, "partition", cfg.Partition)

	w := &Worker{
		cfg:                 cfg,
		handler:             handler,
		logClient:           logClient,
		logger:              logger,
		metrics:             metrics,
		failed:              failedevents.New(logger),
		status:              newStatusTracker(cfg.Partition),
		shutdownRequested:   atomic.NewBool(false),
		isStartingFirstTime: true,
	}
	w.status.setState(StateInitialized)
	return w, nil
}

// RequestShutdown asks the worker to stop. Non-blocking, idempotent. Run
// will return within one round plus one sleep interval plus one in-flight
// fetch/post, assuming the external clients honor their own deadlines.
func (w *Worker) RequestShutdown() {
	w.shutdownRequested.Store(true)
}

// Status returns a consistent snapshot of the worker's lifecycle state and
// offset progress. Safe to call from any goroutine.
func (w *Worker) Status() JobStatus {
	return w.status.snapshot()
}

func (w *Worker) partitionLabel() string {
	return strconv.Itoa(int(w.cfg.Partition))
}

// Run blocks until the worker reaches a terminal state, then returns its
// final JobStatus. The LogClient is always released on exit.
func (w *Worker) Run(ctx context.Context) JobStatus {
	defer func() {
		if err := w.logClient.Close(); err != nil {
			level.Warn(w.logger).Log("msg", "error closing log client", "err", err)
		}
	}()

	w.status.setState(StateStarted)

	for {
		if w.shutdownRequested.Load() {
			level.Info(w.logger).Log("msg", "shutdown requested, stopping")
			w.status.setState(StateStopped)
			return w.status.snapshot()
		}
		select {
		case <-ctx.Done():
			level.Info(w.logger).Log("msg", "context cancelled, stopping")
			w.status.setState(StateStopped)
			return w.status.snapshot()
		default:
		}

		err := w.runRound(ctx)
		if err == nil {
			w.metrics.roundsTotal.WithLabelValues(w.cfg.Topic, w.partitionLabel(), "ok").Inc()
			if w.sleepOrStop(ctx) {
				w.status.setState(StateStopped)
				return w.status.snapshot()
			}
			continue
		}

		if errors.Is(err, context.Canceled) {
			w.status.setState(StateStopped)
			return w.status.snapshot()
		}

		if w.handleRoundFailure(ctx, err) {
			return w.status.snapshot()
		}
	}
}

// handleRoundFailure applies the recovery policy to a
// classified round error. It returns true when the worker must stop (the
// caller should return the current status).
func (w *Worker) handleRoundFailure(ctx context.Context, err error) bool {
	kind := classify(err)
	w.metrics.roundErrorsTotal.WithLabelValues(w.cfg.Topic, w.partitionLabel(), kindLabel(kind)).Inc()

	switch kind {
	case kindBrokerFatal:
		level.Error(w.logger).Log("msg", "broker-fatal error, stopping", "err", err)
		w.status.setState(StateFailed)
		return true

	case kindBrokerRecoverable:
		level.Warn(w.logger).Log("msg", "broker-recoverable error, attempting one reconnect", "err", err)
		if rerr := w.logClient.Reconnect(ctx); rerr != nil {
			level.Error(w.logger).Log("msg", "reconnect failed, stopping", "err", rerr)
			w.metrics.reconnectsTotal.WithLabelValues(w.cfg.Topic, w.partitionLabel(), "failure").Inc()
			w.status.setState(StateFailed)
			return true
		}
		w.metrics.reconnectsTotal.WithLabelValues(w.cfg.Topic, w.partitionLabel(), "success").Inc()
		// Next round re-fetches from offsetForThisRound; no state to undo.
		return false

	default:
		// kindSinkUnreachable/kindSinkData are resolved inside runRound and
		// never reach here; treat anything that does as the same
		// conservative default classify() already applied.
		level.Warn(w.logger).Log("msg", "unexpected error kind escaped round, treating as broker-recoverable", "err", err)
		return false
	}
}

// sleepOrStop waits for the configured inter-round delay. It returns true if
// ctx was cancelled while waiting.
func (w *Worker) sleepOrStop(ctx context.Context) bool {
	d := w.cfg.SleepDuration()
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}

// runRound executes one fetch -> stage -> post -> commit pipeline. A nil
// return means the round completed (possibly without posting or committing
// anything. A non-nil return is a broker error to be
// handled by the outer recovery policy.
func (w *Worker) runRound(ctx context.Context) error {
	sl, ctx := spanlogger.NewWithLogger(ctx, w.logger, "indexer.round")
	defer sl.Finish()

	if err := w.determineStartOffset(ctx); err != nil {
		return err
	}

	batch, rebased, err := w.fetch(ctx)
	if err != nil {
		return err
	}
	if rebased {
		// HandleFetchError already updated nextOffsetToProcess; this round
		// ends without posting or committing.
		return nil
	}
	if batch.ValidBytes == 0 {
		return w.handleEmptyFetch(ctx)
	}

	proposedNextOffset, err := w.handler.PrepareForPost(ctx, batch)
	if err != nil {
		return err
	}
	if w.cfg.IsDryRun {
		return nil
	}

	commitOffset, shouldCommit, err := w.post(ctx, proposedNextOffset)
	if err != nil {
		return err
	}
	if !shouldCommit {
		return nil
	}

	return w.commit(ctx, commitOffset)
}

// determineStartOffset implements round step (a).
func (w *Worker) determineStartOffset(ctx context.Context) error {
	if w.isStartingFirstTime {
		offset, err := w.logClient.ComputeInitialOffset(ctx)
		if err != nil {
			return err
		}
		w.offsetForThisRound = offset
		w.nextOffsetToProcess = offset
		w.isStartingFirstTime = false
	} else {
		w.offsetForThisRound = w.nextOffsetToProcess
	}

	w.status.setState(StateInProgress)
	// Mirrors the round's notion of "currently being processed"; overwritten
	// with the real commit offset at the end of the round if one happens.
	w.status.setLastCommittedOffset(w.offsetForThisRound)
	return nil
}

// fetch implements round step (b). rebased is true when the fetch error was
// resolved by rebasing the offset rather than propagating an error.
func (w *Worker) fetch(ctx context.Context) (Batch, bool, error) {
	batch, err := w.logClient.Fetch(ctx, w.offsetForThisRound)
	if err == nil {
		return batch, false, nil
	}

	rebasedOffset, ok, herr := w.logClient.HandleFetchError(ctx, err, w.offsetForThisRound)
	if herr != nil {
		return Batch{}, false, herr
	}
	if !ok {
		return Batch{}, false, err
	}

	level.Info(spanlogger.FromContext(ctx, w.logger)).Log("msg", "rebased offset after fetch error",
		"requested_offset", w.offsetForThisRound, "rebased_offset", rebasedOffset, "err", err)
	w.nextOffsetToProcess = rebasedOffset
	return Batch{}, true, nil
}

// handleEmptyFetch implements the zero-valid-bytes branch of round step (b).
func (w *Worker) handleEmptyFetch(ctx context.Context) error {
	latest, err := w.logClient.LatestOffset(ctx)
	if err != nil {
		return err
	}
	if latest != w.offsetForThisRound {
		level.Warn(spanlogger.FromContext(ctx, w.logger)).Log("msg", "empty fetch but partition has advanced; will retry same offset",
			"offset", w.offsetForThisRound, "latest_offset", latest)
	}
	return nil
}

// post implements round step (d). shouldCommit is false for a sink-unreachable
// outcome (no commit, no advance); commitOffset is the offset to pass to
// commit() when shouldCommit is true.
func (w *Worker) post(ctx context.Context, proposedNextOffset int64) (commitOffset int64, shouldCommit bool, err error) {
	postErr := w.handler.PostToSink(ctx)
	if postErr == nil {
		return proposedNextOffset, true, nil
	}

	var unreachable *SinkUnreachableError
	if errors.As(postErr, &unreachable) {
		level.Warn(spanlogger.FromContext(ctx, w.logger)).Log("msg", "sink unreachable, will retry same offset", "offset", w.offsetForThisRound, "err", postErr)
		return 0, false, nil
	}

	var dataErr *SinkDataError
	if errors.As(postErr, &dataErr) {
		w.failed.Log(w.cfg.Partition, w.offsetForThisRound, proposedNextOffset-1, dataErr.Detail)
		w.metrics.recordsDropped.WithLabelValues(w.cfg.Topic, w.partitionLabel()).Add(float64(proposedNextOffset - w.offsetForThisRound))
		return proposedNextOffset, true, nil
	}

	// Unclassified failure from PostToSink: propagate so the outer loop's
	// default classify() treats it as broker-recoverable.
	return 0, false, postErr
}

// commit implements round step (e).
func (w *Worker) commit(ctx context.Context, offset int64) error {
	start := time.Now()
	if err := w.logClient.CommitOffset(ctx, offset); err != nil {
		return err
	}
	w.metrics.commitLatency.WithLabelValues(w.cfg.Topic, w.partitionLabel()).Observe(time.Since(start).Seconds())

	indexed := offset - w.offsetForThisRound
	if indexed > 0 {
		w.metrics.recordsIndexed.WithLabelValues(w.cfg.Topic, w.partitionLabel()).Add(float64(indexed))
	}

	w.nextOffsetToProcess = offset
	w.status.setLastCommittedOffset(offset)
	w.metrics.lastCommittedGuge.WithLabelValues(w.cfg.Topic, w.partitionLabel()).Set(float64(offset))

	if w.cfg.IsPerfReportingEnabled {
		level.Debug(spanlogger.FromContext(ctx, w.logger)).Log("msg", "round complete",
			"offset_start", w.offsetForThisRound, "offset_end", offset, "duration", time.Since(start))
	}
	return nil
}

func kindLabel(k errorKind) string {
	switch k {
	case kindBrokerFatal:
		return "broker_fatal"
	case kindBrokerRecoverable:
		return "broker_recoverable"
	case kindSinkUnreachable:
		return "sink_unreachable"
	case kindSinkData:
		return "sink_data"
	default:
		return "unknown"
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/soomehta/hive/internal/store"
	"github.com/soomehta/hive/internal/swarm"
)

// Executor runs one execution job. *swarm.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, job swarm.ExecutionJob) error
}

// Failer marks a session failed once its job can no longer be delivered.
// *store.Store satisfies it.
type Failer interface {
	FailSession(ctx context.Context, id, reason string) error
}

type Worker struct {
	queue       *Queue
	exec        Executor
	failer      Failer
	id          string
	concurrency int
	// RetryDelay is how long a job waits before redelivery after a transient
	// error or while another worker holds its lease.
	RetryDelay time.Duration
	// FetchWait bounds each poll of the consumer.
	FetchWait time.Duration
	// KeepAlive is how often a running job's ack deadline and lease are
	// extended. Zero means a third of the ack wait.
	KeepAlive time.Duration
}

func NewWorker(q *Queue, exec Executor, failer Failer, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		exec:        exec,
		failer:      failer,
		id:          uuid.New().String(),
		concurrency: concurrency,
		RetryDelay:  5 * time.Second,
		FetchWait:   5 * time.Second,
	}
}

// Run consumes jobs until ctx is cancelled, executing up to concurrency jobs at
// once. In-flight jobs finish or are handed back to the queue before it returns.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.queue.consumer(ctx)
	if err != nil {
		return err
	}
	slog.Info("swarm worker started", "worker", w.id, "concurrency", w.concurrency)

	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)
	defer g.Wait()

	for {
		if ctx.Err() != nil {
			slog.Info("swarm worker stopping", "worker", w.id)
			return nil
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(w.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("fetch failed", "worker", w.id, "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			g.Go(func() error {
				w.handle(ctx, msg)
				return nil
			})
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			slog.Warn("message fetch error", "worker", w.id, "error", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	var job swarm.ExecutionJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil || job.SwarmSessionID == "" {
		slog.Error("dropping malformed job", "error", err)
		_ = msg.Term()
		return
	}
	log := slog.With("session", job.SwarmSessionID, "worker", w.id)

	lease, err := w.queue.Acquire(ctx, job.SwarmSessionID, w.id)
	if errors.Is(err, ErrLeaseHeld) {
		log.Debug("session busy elsewhere, requeueing")
		_ = msg.NakWithDelay(w.RetryDelay)
		return
	}
	if err != nil {
		log.Warn("lease unavailable", "error", err)
		_ = msg.NakWithDelay(w.RetryDelay)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	lost := new(atomic.Bool)
	stop := w.keepAlive(jobCtx, cancel, msg, lease, lost, log)
	err = w.exec.Execute(jobCtx, job)
	cancel()
	<-stop

	if lost.Load() {
		// Someone else owns the session now; their lease is not ours to release.
		log.Warn("lease lost while executing, handing job back", "error", err)
		_ = msg.NakWithDelay(w.RetryDelay)
		return
	}
	if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
		log.Warn("release lease failed", "error", rerr)
	}

	switch {
	case err == nil, errors.Is(err, swarm.ErrHoldPending):
		// A paused session is resubmitted when its last hold is resolved.
		_ = msg.Ack()
	case errors.Is(err, store.ErrNotFound):
		log.Warn("job for unknown session dropped")
		_ = msg.Term()
	case ctx.Err() != nil:
		log.Info("shutting down, handing job back")
		_ = msg.Nak()
	default:
		w.retryOrGiveUp(msg, job, err, log)
	}
}

func (w *Worker) retryOrGiveUp(msg jetstream.Msg, job swarm.ExecutionJob, cause error, log *slog.Logger) {
	meta, merr := msg.Metadata()
	if merr == nil && w.queue.cfg.MaxDeliver > 0 && meta.NumDelivered >= uint64(w.queue.cfg.MaxDeliver) {
		log.Error("job failed on final delivery", "deliveries", meta.NumDelivered, "error", cause)
		if w.failer != nil {
			reason := "infrastructure error: " + cause.Error()
			if err := w.failer.FailSession(context.Background(), job.SwarmSessionID, reason); err != nil && !errors.Is(err, store.ErrSessionFinished) {
				log.Error("could not fail session", "error", err)
			}
		}
		_ = msg.Term()
		return
	}
	log.Warn("job failed, will retry", "error", cause)
	_ = msg.NakWithDelay(w.RetryDelay)
}

// keepAlive extends the message's ack deadline and the session lease while the
// job runs. If the lease cannot be refreshed it marks it lost and cancels the
// job. The returned channel closes once it has stopped.
func (w *Worker) keepAlive(ctx context.Context, cancel context.CancelFunc, msg jetstream.Msg, lease *Lease, lost *atomic.Bool, log *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	interval := w.KeepAlive
	if interval <= 0 {
		interval = w.queue.ackWait() / 3
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					log.Debug("in-progress ack failed", "error", err)
				}
				if err := lease.Refresh(ctx); err != nil && ctx.Err() == nil {
					log.Error("lease refresh failed, stopping execution", "error", err)
					lost.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return done
}

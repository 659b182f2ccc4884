// Package queue carries swarm execution jobs over a JetStream work queue and
// guards each session with a lease in a JetStream KV bucket, so a session is
// executed by at most one worker at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/natsbus"
	"github.com/soomehta/hive/internal/swarm"
)

// ErrLeaseHeld is returned when another worker owns the session's lease.
var ErrLeaseHeld = errors.New("session lease held by another worker")

type Queue struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	leases jetstream.KeyValue
	cfg    config.QueueConfig
}

// New makes sure the job stream and the lease bucket exist.
func New(ctx context.Context, js jetstream.JetStream, cfg config.QueueConfig) (*Queue, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      natsbus.StreamSwarmJobs,
		Subjects:  []string{natsbus.SubjectSwarmJobs},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", natsbus.StreamSwarmJobs, err)
	}

	leases, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  natsbus.BucketLeases,
		TTL:     cfg.LeaseTTL,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create lease bucket: %w", err)
	}

	return &Queue{js: js, stream: stream, leases: leases, cfg: cfg}, nil
}

// Submit publishes a job and waits for the stream to store it.
func (q *Queue) Submit(ctx context.Context, job swarm.ExecutionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.js.Publish(ctx, natsbus.SubjectSwarmJobs, data); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pending returns the number of jobs not yet acknowledged.
func (q *Queue) Pending(ctx context.Context) (uint64, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

// Lease is a worker's claim on one session.
type Lease struct {
	kv       jetstream.KeyValue
	key      string
	owner    string
	revision uint64
}

// Acquire claims the session for owner. It fails with ErrLeaseHeld while
// another owner's lease is alive; leases expire after the configured TTL.
func (q *Queue) Acquire(ctx context.Context, sessionID, owner string) (*Lease, error) {
	rev, err := q.leases.Create(ctx, sessionID, []byte(owner))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrLeaseHeld)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return &Lease{kv: q.leases, key: sessionID, owner: owner, revision: rev}, nil
}

// Refresh extends the lease. It fails if the lease expired and was taken over.
func (l *Lease) Refresh(ctx context.Context) error {
	rev, err := l.kv.Update(ctx, l.key, []byte(l.owner), l.revision)
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", l.key, err)
	}
	l.revision = rev
	return nil
}

// Release drops the lease if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

func (q *Queue) consumer(ctx context.Context) (jetstream.Consumer, error) {
	return q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "swarm-executors",
		FilterSubject: natsbus.SubjectSwarmJobs,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait(),
		MaxDeliver:    q.cfg.MaxDeliver,
	})
}

func (q *Queue) ackWait() time.Duration {
	if q.cfg.LeaseTTL > 0 {
		return q.cfg.LeaseTTL
	}
	return time.Minute
}

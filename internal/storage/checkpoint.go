package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultCheckpointBacklog = 1024
	defaultRetryBackoff      = 100 * time.Millisecond
	defaultMaxRetryBackoff   = 5 * time.Second
	drainTimeout             = 10 * time.Second
)

var (
	ErrCheckpointFailing = errors.New("checkpoint: durable writes are failing")
	ErrCheckpointBacklog = errors.New("checkpoint: backlog above high-water mark")
)

type checkpointItem struct {
	mutation Mutation
	barrier  chan struct{}
}

// Checkpointer replays MemoryKV mutations into a durable KV through a single
// ordered chain, so concurrent mutations reach the durable store in commit
// order and never interleave. A mutation that fails stays at the head of the
// chain and is retried until it is applied or the process shuts down.
//
// Record never blocks: the chain is unbounded and the backlog size is only
// reported through Health.
type Checkpointer struct {
	durable KV
	logger  *slog.Logger
	metrics *Metrics
	clock   func() time.Time

	mu        sync.Mutex
	pending   []checkpointItem
	wake      chan struct{}
	highWater int
	lastErr   error

	backoff    time.Duration
	maxBackoff time.Duration
}

type CheckpointOption func(*Checkpointer)

func WithCheckpointLogger(logger *slog.Logger) CheckpointOption {
	return func(c *Checkpointer) {
		c.logger = logger
	}
}

func WithCheckpointMetrics(m *Metrics) CheckpointOption {
	return func(c *Checkpointer) {
		c.metrics = m
	}
}

// WithQueueSize sets the backlog above which Health reports degraded.
func WithQueueSize(n int) CheckpointOption {
	return func(c *Checkpointer) {
		if n > 0 {
			c.highWater = n
		}
	}
}

// WithRetryBackoff sets the delay after the first failed write and the cap
// the doubling delay stops at.
func WithRetryBackoff(initial, limit time.Duration) CheckpointOption {
	return func(c *Checkpointer) {
		if initial > 0 {
			c.backoff = initial
		}
		if limit >= c.backoff {
			c.maxBackoff = limit
		}
	}
}

func WithCheckpointClock(clock func() time.Time) CheckpointOption {
	return func(c *Checkpointer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func NewCheckpointer(durable KV, opts ...CheckpointOption) *Checkpointer {
	if durable == nil {
		panic("storage: durable store is required")
	}
	c := &Checkpointer{
		durable:    durable,
		logger:     slog.Default(),
		clock:      time.Now,
		wake:       make(chan struct{}, 1),
		highWater:  defaultCheckpointBacklog,
		backoff:    defaultRetryBackoff,
		maxBackoff: defaultMaxRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBackoff < c.backoff {
		c.maxBackoff = c.backoff
	}
	return c
}

// Record appends a mutation to the chain. It has the Journal signature so it
// can be attached to a MemoryKV directly, and it is safe to call with the
// store lock held.
func (c *Checkpointer) Record(m Mutation) {
	c.enqueue(checkpointItem{mutation: m})
}

func (c *Checkpointer) enqueue(item checkpointItem) {
	c.mu.Lock()
	c.pending = append(c.pending, item)
	depth := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetQueueDepth(depth)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Checkpointer) head() (checkpointItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return checkpointItem{}, false
	}
	return c.pending[0], true
}

func (c *Checkpointer) pop() {
	c.mu.Lock()
	c.pending[0] = checkpointItem{}
	c.pending = c.pending[1:]
	if len(c.pending) == 0 {
		c.pending = nil
	}
	depth := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetQueueDepth(depth)
}

// Depth is the number of mutations not yet applied.
func (c *Checkpointer) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Health reports degraded while the head mutation keeps failing or the
// backlog is above the high-water mark.
func (c *Checkpointer) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointFailing, c.lastErr)
	}
	if len(c.pending) > c.highWater {
		return fmt.Errorf("%w: %d pending", ErrCheckpointBacklog, len(c.pending))
	}
	return nil
}

// Run applies queued mutations until ctx is cancelled, then drains whatever
// is still queued before returning.
func (c *Checkpointer) Run(ctx context.Context) error {
	apply := context.WithoutCancel(ctx)
	attempt := 0
	for {
		item, ok := c.head()
		if !ok {
			select {
			case <-ctx.Done():
				c.drain()
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		if err := c.handle(apply, item); err != nil {
			attempt++
			select {
			case <-ctx.Done():
				c.drain()
				return ctx.Err()
			case <-time.After(c.delay(attempt)):
			}
			continue
		}
		attempt = 0
		c.pop()
	}
}

// drain keeps applying in order until the chain is empty or the shutdown
// budget runs out. Whatever is left is reported, not silently dropped.
func (c *Checkpointer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	attempt := 0
	for {
		item, ok := c.head()
		if !ok {
			return
		}
		if err := c.handle(ctx, item); err != nil {
			attempt++
			select {
			case <-ctx.Done():
				c.logger.Error("checkpoint drain abandoned unapplied mutations",
					"pending", c.Depth(),
					"error", err,
				)
				return
			case <-time.After(c.delay(attempt)):
			}
			continue
		}
		attempt = 0
		c.pop()
	}
}

func (c *Checkpointer) delay(attempt int) time.Duration {
	d := c.backoff
	for i := 1; i < attempt && d < c.maxBackoff; i++ {
		d *= 2
	}
	return min(d, c.maxBackoff)
}

func (c *Checkpointer) handle(ctx context.Context, item checkpointItem) error {
	if item.barrier != nil {
		close(item.barrier)
		return nil
	}
	if err := c.apply(ctx, item.mutation); err != nil {
		c.metrics.IncCheckpointFailure()
		c.setErr(err)
		c.logger.ErrorContext(ctx, "checkpoint write failed, retrying",
			"key", item.mutation.Key,
			"op", string(item.mutation.Op),
			"error", err,
		)
		return err
	}
	c.setErr(nil)
	c.metrics.IncCheckpointWrite(string(item.mutation.Op))
	return nil
}

func (c *Checkpointer) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Checkpointer) apply(ctx context.Context, m Mutation) error {
	switch m.Op {
	case OpSet:
		var ttl time.Duration
		if !m.ExpiresAt.IsZero() {
			ttl = m.ExpiresAt.Sub(c.clock())
			if ttl <= 0 {
				return c.durable.Delete(ctx, m.Key)
			}
		}
		return c.durable.Set(ctx, m.Key, m.Value, ttl)
	case OpDelete:
		return c.durable.Delete(ctx, m.Key)
	default:
		return fmt.Errorf("unknown mutation op %q", m.Op)
	}
}

// Flush blocks until every mutation queued before the call has been applied.
// Run must be active.
func (c *Checkpointer) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	c.enqueue(checkpointItem{barrier: barrier})
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load replays durable entries under the given prefixes into mem without
// journaling them. With no prefixes every entry is loaded.
func (c *Checkpointer) Load(ctx context.Context, mem *MemoryKV, prefixes ...string) (int, error) {
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	total := 0
	for _, prefix := range prefixes {
		entries, err := c.durable.Scan(ctx, prefix)
		if err != nil {
			return total, fmt.Errorf("load checkpoint %q: %w", prefix, err)
		}
		mem.Restore(entries)
		total += len(entries)
	}
	c.logger.InfoContext(ctx, "checkpoint loaded", "entries", total)
	return total, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// flakyKV fails Set while down is true or while failures remain.
type flakyKV struct {
	*MemoryKV
	down     atomic.Bool
	failures atomic.Int32
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.down.Load() || f.failures.Add(-1) >= 0 {
		return errors.New("durable store unavailable")
	}
	return f.MemoryKV.Set(ctx, key, value, ttl)
}

type CheckpointerSuite struct {
	suite.Suite
	durable *MemoryKV
	cp      *Checkpointer
	cancel  context.CancelFunc
	done    chan struct{}
}

func TestCheckpointerSuite(t *testing.T) {
	suite.Run(t, new(CheckpointerSuite))
}

func (s *CheckpointerSuite) SetupTest() {
	s.durable = NewMemoryKV()
	s.cp = NewCheckpointer(s.durable)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.cp.Run(ctx)
	}()
}

func (s *CheckpointerSuite) TearDownTest() {
	s.cancel()
	<-s.done
}

func (s *CheckpointerSuite) TestMutationsReachDurableStore() {
	ctx := context.Background()
	hot := NewMemoryKV(WithJournal(s.cp.Record))

	s.Require().NoError(hot.Set(ctx, "vp:req:1", []byte("open"), time.Minute))
	s.Require().NoError(hot.Set(ctx, "vp:req:2", []byte("open"), 0))
	_, err := hot.Take(ctx, "vp:req:2")
	s.Require().NoError(err)
	s.Require().NoError(s.cp.Flush(ctx))

	entries, err := s.durable.Scan(ctx, "vp:req:")
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("vp:req:1", entries[0].Key)
	s.False(entries[0].ExpiresAt.IsZero())
}

func (s *CheckpointerSuite) TestStateSurvivesRestart() {
	ctx := context.Background()
	before := NewMemoryKV(WithJournal(s.cp.Record))
	s.Require().NoError(before.Set(ctx, "vp:req:abc", []byte(`{"nonce":"n"}`), time.Minute))
	s.Require().NoError(before.Set(ctx, "unrelated", []byte("x"), 0))
	s.Require().NoError(s.cp.Flush(ctx))

	after := NewMemoryKV()
	n, err := s.cp.Load(ctx, after, "vp:req:")
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := after.Get(ctx, "vp:req:abc")
	s.Require().NoError(err)
	s.JSONEq(`{"nonce":"n"}`, string(got))
}

func (s *CheckpointerSuite) TestConcurrentWritersKeepLastValuePerKey() {
	ctx := context.Background()
	hot := NewMemoryKV(WithJournal(s.cp.Record))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = hot.Set(ctx, fmt.Sprintf("k:%d", w), []byte(fmt.Sprintf("%d", i)), 0)
			}
		}(w)
	}
	wg.Wait()
	s.Require().NoError(s.cp.Flush(ctx))

	for w := 0; w < 8; w++ {
		hotVal, err := hot.Get(ctx, fmt.Sprintf("k:%d", w))
		s.Require().NoError(err)
		durableVal, err := s.durable.Get(ctx, fmt.Sprintf("k:%d", w))
		s.Require().NoError(err)
		s.Equal(string(hotVal), string(durableVal))
	}
}

func (s *CheckpointerSuite) TestExpiredSetBecomesDelete() {
	ctx := context.Background()
	s.Require().NoError(s.durable.Set(ctx, "stale", []byte("x"), 0))

	s.cp.Record(Mutation{Op: OpSet, Key: "stale", Value: []byte("y"), ExpiresAt: time.Now().Add(-time.Second)})
	s.Require().NoError(s.cp.Flush(ctx))

	_, err := s.durable.Get(ctx, "stale")
	s.True(IsNotFound(err))
}

// run starts cp and stops it when the test ends.
func (s *CheckpointerSuite) run(cp *Checkpointer) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cp.Run(ctx)
	}()
	s.T().Cleanup(func() {
		cancel()
		<-done
	})
}

func (s *CheckpointerSuite) TestFailedWriteIsRetriedInOrder() {
	ctx := context.Background()
	durable := &flakyKV{MemoryKV: NewMemoryKV()}
	durable.failures.Store(2)
	cp := NewCheckpointer(durable, WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	s.run(cp)
	hot := NewMemoryKV(WithJournal(cp.Record))

	won, err := hot.SetNX(ctx, "grant:consumed:h1", []byte("1"), time.Hour)
	s.Require().NoError(err)
	s.Require().True(won)
	s.Require().NoError(hot.Set(ctx, "grant:consumed:h1", []byte("2"), time.Hour))

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(cp.Flush(flushCtx))
	s.NoError(cp.Health(ctx))

	got, err := durable.Get(ctx, "grant:consumed:h1")
	s.Require().NoError(err)
	s.Equal("2", string(got))

	restarted := NewMemoryKV()
	_, err = cp.Load(ctx, restarted, "grant:consumed:")
	s.Require().NoError(err)
	won, err = restarted.SetNX(ctx, "grant:consumed:h1", []byte("1"), time.Hour)
	s.Require().NoError(err)
	s.False(won, "consumed marker lost across restart")
}

func (s *CheckpointerSuite) TestHealthDegradedWhileWritesFail() {
	ctx := context.Background()
	durable := &flakyKV{MemoryKV: NewMemoryKV()}
	durable.down.Store(true)
	cp := NewCheckpointer(durable, WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
	s.run(cp)
	hot := NewMemoryKV(WithJournal(cp.Record))

	s.Require().NoError(hot.Set(ctx, "vp:req:1", []byte("open"), 0))
	s.Eventually(func() bool {
		return errors.Is(cp.Health(ctx), ErrCheckpointFailing)
	}, time.Second, 5*time.Millisecond)
	s.Equal(1, cp.Depth())

	durable.down.Store(false)
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(cp.Flush(flushCtx))
	s.NoError(cp.Health(ctx))
	s.Equal(0, cp.Depth())
}

func (s *CheckpointerSuite) TestStalledChainNeverBlocksStore() {
	ctx := context.Background()
	cp := NewCheckpointer(NewMemoryKV(), WithQueueSize(1))
	hot := NewMemoryKV(WithJournal(cp.Record))
	s.Require().NoError(hot.Set(ctx, "unrelated", []byte("x"), 0))

	writes := make(chan struct{})
	go func() {
		defer close(writes)
		for i := 0; i < 50; i++ {
			_ = hot.Set(ctx, fmt.Sprintf("k:%d", i), []byte("v"), 0)
		}
	}()
	select {
	case <-writes:
	case <-time.After(time.Second):
		s.FailNow("writes blocked behind an unstarted checkpoint chain")
	}

	got, err := hot.Get(ctx, "unrelated")
	s.Require().NoError(err)
	s.Equal("x", string(got))
	s.ErrorIs(cp.Health(ctx), ErrCheckpointBacklog)

	s.run(cp)
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(cp.Flush(flushCtx))
	s.NoError(cp.Health(ctx))
}

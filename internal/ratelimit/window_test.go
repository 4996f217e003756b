package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"credtrust/internal/storage"
)

var testLimit = Limit{Requests: 3, Window: time.Minute}

type WindowSuite struct {
	suite.Suite
	ctx context.Context
	now time.Time
}

func TestWindowSuite(t *testing.T) {
	suite.Run(t, new(WindowSuite))
}

func (s *WindowSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *WindowSuite) clock() time.Time { return s.now }

func (s *WindowSuite) stores() map[string]Store {
	return map[string]Store{
		"memory": NewMemoryWindow(WithClock(s.clock)),
		"kv":     NewKVWindow(storage.NewMemoryKV(storage.WithClock(s.clock)), s.clock),
	}
}

func (s *WindowSuite) TestAllowUpToLimit() {
	for name, store := range s.stores() {
		s.Run(name, func() {
			for i := range testLimit.Requests {
				res, err := store.Allow(s.ctx, "k", testLimit)
				s.Require().NoError(err)
				s.True(res.Allowed)
				s.Equal(testLimit.Requests-i-1, res.Remaining)
				s.Equal(testLimit.Requests, res.Limit)
			}
			res, err := store.Allow(s.ctx, "k", testLimit)
			s.Require().NoError(err)
			s.False(res.Allowed)
			s.Zero(res.Remaining)

			other, err := store.Allow(s.ctx, "other", testLimit)
			s.Require().NoError(err)
			s.True(other.Allowed, "keys are counted separately")
		})
	}
}

func (s *WindowSuite) TestWindowResets() {
	for name, store := range s.stores() {
		s.Run(name, func() {
			for range testLimit.Requests + 1 {
				_, err := store.Allow(s.ctx, "reset", testLimit)
				s.Require().NoError(err)
			}
			s.now = s.now.Add(testLimit.Window + time.Second)
			res, err := store.Allow(s.ctx, "reset", testLimit)
			s.Require().NoError(err)
			s.True(res.Allowed)
		})
	}
}

func (s *WindowSuite) TestSlidingWindowSpansBoundary() {
	store := NewMemoryWindow(WithClock(s.clock))
	for range testLimit.Requests {
		_, err := store.Allow(s.ctx, "edge", testLimit)
		s.Require().NoError(err)
	}
	s.now = s.now.Add(testLimit.Window / 2)
	res, err := store.Allow(s.ctx, "edge", testLimit)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(s.now.Add(testLimit.Window/2), res.ResetAt)
}

func (s *WindowSuite) TestSweep() {
	store := NewMemoryWindow(WithClock(s.clock))
	_, _ = store.Allow(s.ctx, "a", testLimit)
	s.now = s.now.Add(2 * time.Minute)
	_, _ = store.Allow(s.ctx, "b", testLimit)

	s.Equal(1, store.Sweep(time.Minute))
	s.Equal(0, store.Sweep(time.Minute))
}

func (s *WindowSuite) TestConcurrentCallersNeverExceedLimit() {
	for name, store := range s.stores() {
		s.Run(name, func() {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := store.Allow(s.ctx, "race", testLimit)
					if err == nil && res.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			s.Equal(testLimit.Requests, allowed)
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := (Result{ResetAt: now.Add(30 * time.Second)}).RetryAfter(now); got != 30 {
		t.Fatalf("RetryAfter = %d, want 30", got)
	}
	if got := (Result{ResetAt: now.Add(-time.Second)}).RetryAfter(now); got != 1 {
		t.Fatalf("RetryAfter = %d, want 1", got)
	}
}

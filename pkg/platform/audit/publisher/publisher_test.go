package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "credtrust/pkg/platform/audit"
	"credtrust/pkg/platform/audit/store/memory"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		Subject: "urn:uuid:cred-1",
		Action:  string(audit.EventCredentialIssued),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), "urn:uuid:cred-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventCredentialIssued), events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))

	err := pub.Emit(context.Background(), audit.Event{
		Subject: "req-1",
		Action:  string(audit.EventPresentationRequested),
	})
	require.NoError(t, err)

	pub.Close()

	events, err := store.ListBySubject(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			Subject: "offer-1",
			Action:  string(audit.EventCredentialOffered),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListBySubject(context.Background(), "offer-1")
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DropsEvent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Emit(context.Background(), audit.Event{
				Subject: "offer-2",
				Action:  string(audit.EventCredentialOffered),
			})
		}()
	}
	wg.Wait()
}

type failingStore struct {
	*memory.InMemoryStore
}

func (failingStore) Append(context.Context, audit.Event) error {
	return errors.New("disk full")
}

func TestPublisher_ComplianceIsFailClosedInAsyncMode(t *testing.T) {
	pub := NewPublisher(failingStore{memory.NewInMemoryStore()}, WithAsyncBuffer(10))
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		Subject: "urn:uuid:cred-2",
		Action:  string(audit.EventCredentialRevoked),
	})
	require.Error(t, err)

	// operations events are buffered and never surface store failures
	err = pub.Emit(context.Background(), audit.Event{
		Subject: "req-2",
		Action:  string(audit.EventPresentationAccepted),
	})
	require.NoError(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (s *recordingSink) Append(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func TestPublisher_FansOutToSinks(t *testing.T) {
	store := memory.NewInMemoryStore()
	sink := &recordingSink{err: errors.New("broker down")}
	pub := NewPublisher(store, WithSink(sink))
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		Subject: "did:web:issuer.example",
		Action:  string(audit.EventSigningKeyRotated),
	})
	require.NoError(t, err, "sink failures do not fail the emit")
	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.CategorySecurity, sink.events[0].Category)
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithPublisherClock(func() time.Time { return fixed }))
	defer pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		Subject: "s",
		Action:  string(audit.EventGrantExchanged),
	}))

	events, err := pub.List(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fixed, events[0].Timestamp)
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		Subject:   "s",
		Action:    string(audit.EventGrantExchanged),
		Timestamp: customTime,
	}))

	events, err := pub.List(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_ListRecent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	for _, action := range []audit.AuditEvent{audit.EventCredentialOffered, audit.EventGrantExchanged, audit.EventCredentialIssued} {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{Subject: "x", Action: string(action)}))
	}

	recent, err := store.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, string(audit.EventGrantExchanged), recent[0].Action)
	assert.Equal(t, string(audit.EventCredentialIssued), recent[1].Action)
}

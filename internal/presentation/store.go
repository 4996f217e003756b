package presentation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"credtrust/internal/storage"
	"credtrust/pkg/platform/sentinel"
)

const requestPrefix = "vp:req:"

// RequestStore keeps open presentation requests in the KV with a TTL.
//
// Error Contract:
//   - Get returns sentinel.ErrNotFound for unknown or expired requests
//   - Close returns sentinel.ErrAlreadyUsed when another response closed the
//     request first
type RequestStore struct {
	kv storage.KV
}

func NewRequestStore(kv storage.KV) *RequestStore {
	return &RequestStore{kv: kv}
}

func (s *RequestStore) Create(ctx context.Context, req *Request, ttl time.Duration) error {
	ok, err := storage.SetNXJSON(ctx, s.kv, requestPrefix+req.ID, req, ttl)
	if err != nil {
		return fmt.Errorf("store presentation request: %w", err)
	}
	if !ok {
		return fmt.Errorf("presentation request %s: %w", req.ID, sentinel.ErrConflict)
	}
	return nil
}

func (s *RequestStore) Get(ctx context.Context, id string) (*Request, error) {
	req, err := storage.GetJSON[Request](ctx, s.kv, requestPrefix+id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("presentation request not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load presentation request: %w", err)
	}
	return &req, nil
}

// Close performs the open -> closed transition with an atomic take, so
// concurrent responses to one request cannot both win.
func (s *RequestStore) Close(ctx context.Context, id string) error {
	if _, err := s.kv.Take(ctx, requestPrefix+id); err != nil {
		if storage.IsNotFound(err) {
			return fmt.Errorf("presentation request already closed: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("close presentation request: %w", err)
	}
	return nil
}

// Prune deletes requests that expired at or before now and returns how many
// it removed. Running it concurrently is safe; a request deleted twice is
// simply gone.
func (s *RequestStore) Prune(ctx context.Context, now time.Time) (int, error) {
	entries, err := s.kv.Scan(ctx, requestPrefix)
	if err != nil {
		return 0, fmt.Errorf("scan presentation requests: %w", err)
	}
	var stale []string
	for _, e := range entries {
		var req Request
		if err := json.Unmarshal(e.Value, &req); err != nil {
			stale = append(stale, e.Key)
			continue
		}
		if req.IsExpired(now) {
			stale = append(stale, e.Key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.kv.Delete(ctx, stale...); err != nil {
		return 0, fmt.Errorf("prune presentation requests: %w", err)
	}
	return len(stale), nil
}

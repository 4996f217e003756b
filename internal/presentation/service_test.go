package presentation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	"credtrust/internal/storage"
	"credtrust/internal/verification"
	dErrors "credtrust/pkg/domain-errors"
	audit "credtrust/pkg/platform/audit"
	"credtrust/pkg/platform/audit/publisher"
	"credtrust/pkg/platform/audit/store/memory"
	"credtrust/pkg/requestcontext"
)

const (
	credA = "eyJhbGciOiJFUzI1NiJ9.eyJpc3MiOiJkaWQ6d2ViOmEifQ.c2ln"
	credB = "eyJhbGciOiJFUzI1NiJ9.eyJpc3MiOiJkaWQ6d2ViOmIifQ.c2ln"
)

type stubVerifier struct {
	mu      sync.Mutex
	seen    []any
	invalid map[string]bool
	err     error
}

func (v *stubVerifier) VerifyValue(_ context.Context, c any) (*verification.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = append(v.seen, c)
	if v.err != nil {
		return nil, v.err
	}
	if s, ok := c.(string); ok && v.invalid[s] {
		return &verification.Result{
			Status:      verification.StatusInvalid,
			Decision:    verification.DecisionFailed,
			ReasonCodes: []string{verification.FlagRevoked},
		}, nil
	}
	return &verification.Result{Status: verification.StatusValid, Decision: verification.DecisionVerified}, nil
}

type PresentationSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	kv       *storage.MemoryKV
	store    *RequestStore
	verifier *stubVerifier
	audits   *memory.InMemoryStore
	service  *Service
}

func TestPresentationSuite(t *testing.T) {
	suite.Run(t, new(PresentationSuite))
}

func (s *PresentationSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.kv = storage.NewMemoryKV(storage.WithClock(func() time.Time { return s.now }))
	s.store = NewRequestStore(s.kv)
	s.verifier = &stubVerifier{invalid: map[string]bool{}}
	s.audits = memory.NewInMemoryStore()
	s.service = NewService(Config{RequestTTL: 5 * time.Minute, ClientID: "verifier.example"}, s.store, s.verifier,
		WithAuditor(publisher.NewPublisher(s.audits)),
	)
}

func (s *PresentationSuite) create(state string) *CreatedRequest {
	req, err := s.service.CreateRequest(s.ctx, "age check", state)
	s.Require().NoError(err)
	return req
}

func (s *PresentationSuite) vpJWT(nonce string, creds ...any) string {
	claims := jwt.MapClaims{
		"iss": "did:key:z6MkHolder",
		"vp": map[string]any{
			"type":                 []string{"VerifiablePresentation"},
			"verifiableCredential": creds,
		},
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("holder-key"))
	s.Require().NoError(err)
	return token
}

func (s *PresentationSuite) TestCreateRequest() {
	s.Run("returns nonce and definition", func() {
		req := s.create("xyz")
		s.NotEmpty(req.RequestID)
		s.Len(req.Nonce, 32)
		s.Equal("xyz", req.State)
		s.Equal("verifier.example", req.ClientID)
		s.Equal(s.now.Add(5*time.Minute), req.ExpiresAt)
		s.Contains(req.PresentationDefinition.Format, "jwt_vc")
		s.Contains(req.PresentationDefinition.Format, "vc+sd-jwt")
		s.Equal(req.RequestID, req.PresentationDefinition.ID)

		stored, err := s.store.Get(s.ctx, req.RequestID)
		s.Require().NoError(err)
		s.Equal(req.Nonce, stored.Nonce)
	})

	s.Run("nonces are fresh", func() {
		s.NotEqual(s.create("").Nonce, s.create("").Nonce)
	})

	s.Run("purpose is required", func() {
		_, err := s.service.CreateRequest(s.ctx, "  ", "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("emits requested event", func() {
		req := s.create("")
		events, err := s.audits.ListBySubject(s.ctx, req.RequestID)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventPresentationRequested), events[0].Action)
	})
}

func (s *PresentationSuite) TestConsumeVPJWT() {
	req := s.create("xyz")
	out, err := s.service.ConsumeResponse(s.ctx, req.RequestID, s.vpJWT(req.Nonce, credA, credB), "xyz")
	s.Require().NoError(err)
	s.True(out.Valid)
	s.Equal("did:key:z6MkHolder", out.Holder)
	s.Len(out.Results, 2)
	s.ElementsMatch([]any{credA, credB}, s.verifier.seen)

	_, err = s.store.Get(s.ctx, req.RequestID)
	s.Error(err, "request must be closed")

	_, err = s.service.ConsumeResponse(s.ctx, req.RequestID, s.vpJWT(req.Nonce, credA), "xyz")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *PresentationSuite) TestStateBinding() {
	req := s.create("xyz")

	_, err := s.service.ConsumeResponse(s.ctx, req.RequestID, s.vpJWT(req.Nonce, credA), "abc")
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrity))
	s.Empty(s.verifier.seen)

	out, err := s.service.ConsumeResponse(s.ctx, req.RequestID, s.vpJWT(req.Nonce, credA), "")
	s.Require().NoError(err, "omitted state is not checked and the request stayed open")
	s.True(out.Valid)
}

func (s *PresentationSuite) TestNonceBinding() {
	req := s.create("")
	other := s.create("")

	_, err := s.service.ConsumeResponse(s.ctx, req.RequestID, s.vpJWT(other.Nonce, credA), "")
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrity))

	events, err := s.audits.ListBySubject(s.ctx, req.RequestID)
	s.Require().NoError(err)
	s.Equal(string(audit.EventPresentationRejected), events[len(events)-1].Action)
	s.Equal("nonce_mismatch", events[len(events)-1].Reason)

	_, err = s.service.ConsumeResponse(s.ctx, req.RequestID, s.vpJWT(req.Nonce, credA), "")
	s.NoError(err)
}

func (s *PresentationSuite) TestBareCredentialWithoutNonce() {
	req := s.create("")
	out, err := s.service.ConsumeResponse(s.ctx, req.RequestID, credA, "")
	s.Require().NoError(err)
	s.True(out.Valid)
	s.Equal([]any{credA}, s.verifier.seen)
}

func (s *PresentationSuite) TestSDJWTKeyBinding() {
	req := s.create("")
	kb, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"nonce": "wrong"}).SignedString([]byte("k"))
	s.Require().NoError(err)

	_, err = s.service.ConsumeResponse(s.ctx, req.RequestID, credA+"~"+kb, "")
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrity))

	kb, err = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"nonce": req.Nonce}).SignedString([]byte("k"))
	s.Require().NoError(err)
	_, err = s.service.ConsumeResponse(s.ctx, req.RequestID, credA+"~"+kb, "")
	s.NoError(err)
}

func (s *PresentationSuite) TestPresentationDocument() {
	req := s.create("")
	doc := map[string]any{
		"type":                 []any{"VerifiablePresentation"},
		"holder":               "did:key:z6MkHolder",
		"verifiableCredential": []any{map[string]any{"issuer": "did:web:a"}},
		"proof":                map[string]any{"challenge": req.Nonce},
	}
	out, err := s.service.ConsumeResponse(s.ctx, req.RequestID, doc, "")
	s.Require().NoError(err)
	s.Equal("did:key:z6MkHolder", out.Holder)
	s.Require().Len(s.verifier.seen, 1)
	s.Equal(map[string]any{"issuer": "did:web:a"}, s.verifier.seen[0])
}

func (s *PresentationSuite) TestInvalidCredentialRejectsPresentation() {
	s.verifier.invalid[credB] = true
	req := s.create("")
	out, err := s.service.ConsumeResponse(s.ctx, req.RequestID, s.vpJWT(req.Nonce, credA, credB), "")
	s.Require().NoError(err)
	s.False(out.Valid)

	events, err := s.audits.ListBySubject(s.ctx, req.RequestID)
	s.Require().NoError(err)
	last := events[len(events)-1]
	s.Equal(string(audit.EventPresentationRejected), last.Action)
	s.Equal(verification.FlagRevoked, last.Reason)
}

func (s *PresentationSuite) TestMalformedTokens() {
	req := s.create("")
	cases := map[string]any{
		"empty":          "  ",
		"number":         42,
		"bad json":       "{nope",
		"no credentials": s.vpJWT(req.Nonce),
	}
	for name, token := range cases {
		s.Run(name, func() {
			_, err := s.service.ConsumeResponse(s.ctx, req.RequestID, token, "")
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "%v", err)
		})
	}
	_, err := s.store.Get(s.ctx, req.RequestID)
	s.NoError(err, "malformed responses leave the request open")
}

func (s *PresentationSuite) TestUnknownRequest() {
	_, err := s.service.ConsumeResponse(s.ctx, "missing", credA, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.service.ConsumeResponse(s.ctx, " ", credA, "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *PresentationSuite) TestExpiry() {
	req := s.create("")
	later := requestcontext.WithTime(context.Background(), s.now.Add(5*time.Minute))

	_, err := s.service.ConsumeResponse(later, req.RequestID, credA, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Empty(s.verifier.seen)
}

func (s *PresentationSuite) TestPrune() {
	first := s.create("")
	s.now = s.now.Add(3 * time.Minute)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	second := s.create("")

	n, err := s.service.Prune(requestcontext.WithTime(context.Background(), s.now.Add(2*time.Minute)))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Get(s.ctx, first.RequestID)
	s.Error(err)
	_, err = s.store.Get(s.ctx, second.RequestID)
	s.NoError(err)

	n, err = s.service.Prune(requestcontext.WithTime(context.Background(), s.now.Add(2*time.Minute)))
	s.Require().NoError(err)
	s.Zero(n, "pruning twice is a no-op")
}

func (s *PresentationSuite) TestConcurrentResponsesSingleWinner() {
	req := s.create("")
	token := s.vpJWT(req.Nonce, credA)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.ConsumeResponse(s.ctx, req.RequestID, token, "")
			if err == nil {
				wins.Add(1)
				return
			}
			s.True(dErrors.HasCode(err, dErrors.CodeReplayDetected) || dErrors.HasCode(err, dErrors.CodeNotFound), "%v", err)
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
	s.Len(s.verifier.seen, 1)
}

func (s *PresentationSuite) TestVerifierFaultStillClosesRequest() {
	s.verifier.err = errors.New("boom")
	req := s.create("")
	_, err := s.service.ConsumeResponse(s.ctx, req.RequestID, credA, "")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	_, err = s.store.Get(s.ctx, req.RequestID)
	s.Error(err)
}

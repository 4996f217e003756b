package keys

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	"credtrust/internal/storage"
	dErrors "credtrust/pkg/domain-errors"
)

const issuer = "did:web:university.example"

type ManagerSuite struct {
	suite.Suite
	kv      *storage.MemoryKV
	store   *KVStore
	manager *Manager
	ctx     context.Context
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.kv = storage.NewMemoryKV()
	s.store = NewKVStore(s.kv)
	s.manager = s.newManager("secret-v1")
}

func (s *ManagerSuite) newManager(secret string, previous ...string) *Manager {
	sealer, err := NewSealer(secret, previous...)
	s.Require().NoError(err)
	return NewManager(s.store, sealer)
}

func payload() jwt.MapClaims {
	return jwt.MapClaims{"iss": issuer, "sub": "did:key:z6MkHolder", "degree": "B.Tech"}
}

func (s *ManagerSuite) TestGetOrCreateKey() {
	first, err := s.manager.GetOrCreateKey(s.ctx, issuer)
	s.Require().NoError(err)
	s.Equal("#keys-1", first.KID)
	s.Equal(issuer+"#keys-1", first.HeaderKID())
	s.NotEmpty(first.EncryptedPrivateKey)

	again, err := s.manager.GetOrCreateKey(s.ctx, issuer)
	s.Require().NoError(err)
	s.Equal(first.PublicKey, again.PublicKey)

	s.Run("empty issuer is a field error", func() {
		_, err := s.manager.GetOrCreateKey(s.ctx, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ManagerSuite) TestConcurrentFirstUseCreatesOneKey() {
	// two managers over one store model two processes racing
	other := s.newManager("secret-v1")

	var wg sync.WaitGroup
	kids := make(chan string, 40)
	for i := 0; i < 20; i++ {
		for _, m := range []*Manager{s.manager, other} {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				k, err := m.GetOrCreateKey(s.ctx, issuer)
				s.NoError(err)
				kids <- string(k.PublicKey)
			}(m)
		}
	}
	wg.Wait()
	close(kids)

	seen := map[string]bool{}
	for k := range kids {
		seen[k] = true
	}
	s.Len(seen, 1)

	stored, err := s.store.List(s.ctx, issuer)
	s.Require().NoError(err)
	s.Len(stored, 1)
}

func (s *ManagerSuite) TestRotationPreservesOldTokenVerification() {
	v1Token, v1Kid, err := s.manager.Sign(s.ctx, payload(), issuer)
	s.Require().NoError(err)
	s.Equal(issuer+"#keys-1", v1Kid)

	rotated, err := s.manager.RotateSigningKey(s.ctx, issuer)
	s.Require().NoError(err)
	s.Equal("#keys-2", rotated.KID)

	v2Token, v2Kid, err := s.manager.Sign(s.ctx, payload(), issuer)
	s.Require().NoError(err)
	s.Equal(issuer+"#keys-2", v2Kid)
	s.NotEqual(v1Token, v2Token)

	claims, key, err := s.manager.Verify(s.ctx, v1Token)
	s.Require().NoError(err)
	s.Equal("#keys-1", key.KID)
	s.Equal("B.Tech", claims["degree"])

	keys, err := s.store.List(s.ctx, issuer)
	s.Require().NoError(err)
	s.Require().Len(keys, 2)
	v1Pub, err := ParsePublicKey(keys[0].PublicKey)
	s.Require().NoError(err)
	v2Pub, err := ParsePublicKey(keys[1].PublicKey)
	s.Require().NoError(err)

	_, err = s.manager.VerifyWithKey(v1Token, v1Pub)
	s.NoError(err)
	_, err = s.manager.VerifyWithKey(v1Token, v2Pub)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken))
}

func (s *ManagerSuite) TestUnknownKidFailsClosed() {
	token, _, err := s.manager.Sign(s.ctx, payload(), issuer)
	s.Require().NoError(err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	s.Require().NoError(err)

	s.Run("version never issued", func() {
		forged := jwt.NewWithClaims(jwt.SigningMethodHS256, parsed.Claims)
		forged.Header["kid"] = issuer + "#keys-9"
		raw, err := forged.SignedString([]byte("x"))
		s.Require().NoError(err)

		_, _, err = s.manager.Verify(s.ctx, raw)
		s.True(errors.Is(err, ErrKeyNotFound))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("kid without fragment", func() {
		forged := jwt.NewWithClaims(jwt.SigningMethodHS256, parsed.Claims)
		forged.Header["kid"] = "key-1"
		raw, _ := forged.SignedString([]byte("x"))

		_, _, err := s.manager.Verify(s.ctx, raw)
		s.True(errors.Is(err, ErrKeyNotFound))
	})

	s.Run("bare fragment resolves through iss", func() {
		k, _ := s.manager.GetOrCreateKey(s.ctx, issuer)
		priv, err := s.manager.privateKey(k)
		s.Require().NoError(err)
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, payload())
		tok.Header["kid"] = "#keys-1"
		raw, err := tok.SignedString(priv)
		s.Require().NoError(err)

		_, key, err := s.manager.Verify(s.ctx, raw)
		s.Require().NoError(err)
		s.Equal(issuer, key.IssuerDID)
	})
}

func (s *ManagerSuite) TestTamperedSignatureRejected() {
	token, _, err := s.manager.Sign(s.ctx, payload(), issuer)
	s.Require().NoError(err)

	parts := strings.Split(token, ".")
	tamperedClaims := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{"iss": issuer, "degree": "PhD"})
	unsigned, err := tamperedClaims.SigningString()
	s.Require().NoError(err)
	tampered := parts[0] + "." + strings.Split(unsigned, ".")[1] + "." + parts[2]

	_, _, err = s.manager.Verify(s.ctx, tampered)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken))
}

func (s *ManagerSuite) TestExpiredTokenRejected() {
	claims := payload()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token, _, err := s.manager.Sign(s.ctx, claims, issuer)
	s.Require().NoError(err)

	_, _, err = s.manager.Verify(s.ctx, token)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken))
}

func (s *ManagerSuite) TestTokenTypeHeader() {
	token, _, err := s.manager.Sign(s.ctx, payload(), issuer, WithTokenType("vc+sd-jwt"))
	s.Require().NoError(err)
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	s.Require().NoError(err)
	s.Equal("vc+sd-jwt", parsed.Header["typ"])
	s.Equal("ES256", parsed.Header["alg"])
}

func (s *ManagerSuite) TestPublicKeys() {
	_, err := s.manager.GetOrCreateKey(s.ctx, issuer)
	s.Require().NoError(err)
	_, err = s.manager.RotateSigningKey(s.ctx, issuer)
	s.Require().NoError(err)

	jwks, err := s.manager.PublicKeys(s.ctx, issuer)
	s.Require().NoError(err)
	s.Require().Len(jwks, 2)
	s.Equal(issuer+"#keys-1", jwks[0].Kid)
	s.Equal(issuer+"#keys-2", jwks[1].Kid)
	s.Equal("P-256", jwks[0].Crv)
	s.Len(jwks[0].X, 43)
}

func (s *ManagerSuite) TestRotateEncryptionKeys() {
	token, _, err := s.manager.Sign(s.ctx, payload(), issuer)
	s.Require().NoError(err)
	_, err = s.manager.RotateSigningKey(s.ctx, issuer)
	s.Require().NoError(err)
	before, err := s.store.List(s.ctx, issuer)
	s.Require().NoError(err)

	report, err := s.manager.RotateEncryptionKeys(s.ctx, "secret-v2")
	s.Require().NoError(err)
	s.Equal(2, report.ReEncrypted)
	s.Empty(report.Skipped)

	after, err := s.store.List(s.ctx, issuer)
	s.Require().NoError(err)
	for i := range before {
		s.Equal(before[i].KID, after[i].KID)
		s.Equal(before[i].PublicKey, after[i].PublicKey)
		s.NotEqual(before[i].EncryptionKeyID, after[i].EncryptionKeyID)
	}

	s.Run("new secret alone opens resealed keys", func() {
		fresh := s.newManager("secret-v2")
		_, _, err := fresh.Sign(s.ctx, payload(), issuer)
		s.NoError(err)
		_, _, err = fresh.Verify(s.ctx, token)
		s.NoError(err)
	})
}

func (s *ManagerSuite) TestPreviousSecretFallback() {
	_, err := s.manager.GetOrCreateKey(s.ctx, issuer)
	s.Require().NoError(err)

	// secret rolled in config before the stored keys were resealed
	midRotation := s.newManager("secret-v2", "secret-v1")
	_, _, err = midRotation.Sign(s.ctx, payload(), issuer)
	s.NoError(err)

	s.Run("without the fallback signing fails", func() {
		lost := s.newManager("secret-v2")
		_, _, err := lost.Sign(s.ctx, payload(), issuer)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

// failingStore fails the failAt-th Replace, and every later one when stayDown
// is set.
type failingStore struct {
	*KVStore
	calls    int
	failAt   int
	stayDown bool
}

func (f *failingStore) Replace(ctx context.Context, key SigningKey) error {
	f.calls++
	if f.calls == f.failAt || (f.stayDown && f.calls > f.failAt) {
		return errors.New("store unavailable")
	}
	return f.KVStore.Replace(ctx, key)
}

func (s *ManagerSuite) TestAbortedRolloverKeepsKeysOpenable() {
	const other = "did:web:college.example"
	_, err := s.manager.GetOrCreateKey(s.ctx, issuer)
	s.Require().NoError(err)
	_, err = s.manager.GetOrCreateKey(s.ctx, other)
	s.Require().NoError(err)

	s.Run("rollback restores the old sealing", func() {
		sealer, err := NewSealer("secret-v1")
		s.Require().NoError(err)
		rotating := NewManager(&failingStore{KVStore: s.store, failAt: 2}, sealer)

		report, err := rotating.RotateEncryptionKeys(s.ctx, "secret-v2")
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
		s.Equal(0, report.ReEncrypted)
		s.Empty(report.Stranded)

		restarted := s.newManager("secret-v1")
		for _, did := range []string{issuer, other} {
			_, _, err := restarted.Sign(s.ctx, payload(), did)
			s.NoError(err, did)
		}
	})

	s.Run("unrestorable keys are reported", func() {
		sealer, err := NewSealer("secret-v1")
		s.Require().NoError(err)
		rotating := NewManager(&failingStore{KVStore: s.store, failAt: 2, stayDown: true}, sealer)

		report, err := rotating.RotateEncryptionKeys(s.ctx, "secret-v2")
		s.Require().Error(err)
		s.Require().Len(report.Stranded, 1)

		withBoth := s.newManager("secret-v2", "secret-v1")
		for _, did := range []string{issuer, other} {
			_, _, err := withBoth.Sign(s.ctx, payload(), did)
			s.NoError(err, did)
		}

		oldOnly := s.newManager("secret-v1")
		strandedDID, _, err := ParseHeaderKID(report.Stranded[0])
		s.Require().NoError(err)
		_, _, err = oldOnly.Sign(s.ctx, payload(), strandedDID)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *ManagerSuite) TestRolloverSkipsUnopenableKeys() {
	_, err := s.manager.GetOrCreateKey(s.ctx, issuer)
	s.Require().NoError(err)
	before, _ := s.store.List(s.ctx, issuer)

	stranger := s.newManager("unrelated-secret")
	report, err := stranger.RotateEncryptionKeys(s.ctx, "secret-v3")
	s.Require().NoError(err)
	s.Equal(0, report.ReEncrypted)
	s.Equal([]string{issuer + "#keys-1"}, report.Skipped)

	after, _ := s.store.List(s.ctx, issuer)
	s.Equal(before[0].EncryptedPrivateKey, after[0].EncryptedPrivateKey)
}

func (s *ManagerSuite) TestParseHeaderKID() {
	did, v, err := ParseHeaderKID("did:web:a.example#keys-12")
	s.Require().NoError(err)
	s.Equal("did:web:a.example", did)
	s.Equal(12, v)

	did, v, err = ParseHeaderKID("#keys-3")
	s.Require().NoError(err)
	s.Empty(did)
	s.Equal(3, v)

	for _, bad := range []string{"", "did:web:a#key-1", "did:web:a#keys-0", "did:web:a#keys-x"} {
		_, _, err := ParseHeaderKID(bad)
		s.Error(err, bad)
	}
}

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	dErrors "credtrust/pkg/domain-errors"
)

// ErrKeyNotFound is returned (wrapped with the not_found code) when a token
// names a kid that no stored key matches.
var ErrKeyNotFound = errors.New("signing key not found")

const maxRotationAttempts = 5

// Manager owns the per-issuer signing-key lifecycle: creation on first use,
// kid-based rotation, and at-rest encryption rollover.
type Manager struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	clock   func() time.Time

	sealerMu sync.RWMutex
	sealer   *Sealer

	// decrypted private keys by header kid
	cacheMu sync.RWMutex
	cache   map[string]*ecdsa.PrivateKey

	creating singleflight.Group
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func NewManager(store Store, sealer *Sealer, opts ...Option) *Manager {
	if store == nil {
		panic("keys: store is required")
	}
	if sealer == nil {
		panic("keys: sealer is required")
	}
	m := &Manager{
		store:  store,
		sealer: sealer,
		logger: slog.Default(),
		clock:  time.Now,
		cache:  make(map[string]*ecdsa.PrivateKey),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreateKey returns the issuer's current key, generating "#keys-1" if
// the issuer has none. Concurrent first use creates exactly one key.
func (m *Manager) GetOrCreateKey(ctx context.Context, issuerDID string) (SigningKey, error) {
	if issuerDID == "" {
		return SigningKey{}, dErrors.Field("issuer_did", "is required")
	}
	existing, err := m.store.List(ctx, issuerDID)
	if err != nil {
		return SigningKey{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load signing keys")
	}
	if len(existing) > 0 {
		return existing[len(existing)-1], nil
	}

	v, err, _ := m.creating.Do(issuerDID, func() (any, error) {
		// the store is the arbiter across processes; singleflight only
		// collapses callers inside this one
		created, err := m.createVersion(ctx, issuerDID, 1)
		if err != nil {
			return nil, err
		}
		if created != nil {
			m.metrics.IncKeyCreated()
			m.logger.InfoContext(ctx, "issuer signing key created", "issuer", issuerDID, "kid", created.KID)
			return *created, nil
		}
		keys, err := m.store.List(ctx, issuerDID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "load signing keys")
		}
		if len(keys) == 0 {
			return nil, dErrors.New(dErrors.CodeInternal, "signing key vanished after create race")
		}
		return keys[len(keys)-1], nil
	})
	if err != nil {
		return SigningKey{}, err
	}
	return v.(SigningKey), nil
}

// RotateSigningKey appends "#keys-(N+1)" and makes it current. Older keys are
// kept for verification.
func (m *Manager) RotateSigningKey(ctx context.Context, issuerDID string) (SigningKey, error) {
	if _, err := m.GetOrCreateKey(ctx, issuerDID); err != nil {
		return SigningKey{}, err
	}
	for attempt := 0; attempt < maxRotationAttempts; attempt++ {
		keys, err := m.store.List(ctx, issuerDID)
		if err != nil {
			return SigningKey{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load signing keys")
		}
		next := keys[len(keys)-1].Version + 1
		created, err := m.createVersion(ctx, issuerDID, next)
		if err != nil {
			return SigningKey{}, err
		}
		if created != nil {
			m.metrics.IncSigningRotation()
			m.logger.InfoContext(ctx, "issuer signing key rotated",
				"issuer", issuerDID,
				"kid", created.KID,
			)
			return *created, nil
		}
	}
	return SigningKey{}, dErrors.New(dErrors.CodeConflict, "signing key rotation contended, retry")
}

// createVersion returns nil when another writer already holds the version.
func (m *Manager) createVersion(ctx context.Context, issuerDID string, version int) (*SigningKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate signing key")
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode public key")
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode private key")
	}

	key := SigningKey{
		IssuerDID: issuerDID,
		KID:       KIDForVersion(version),
		Version:   version,
		PublicKey: pubDER,
		CreatedAt: m.clock().UTC(),
	}
	sealer := m.currentSealer()
	key.EncryptionKeyID, key.EncryptedPrivateKey, err = sealer.Seal(privDER, []byte(key.HeaderKID()))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "seal private key")
	}

	ok, err := m.store.CreateIfAbsent(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "store signing key")
	}
	if !ok {
		return nil, nil
	}
	m.cachePrivate(key.HeaderKID(), priv)
	return &key, nil
}

// SignOption adjusts the JWT header.
type SignOption func(*jwt.Token)

// WithTokenType sets the JWT "typ" header (for example "vc+sd-jwt").
func WithTokenType(typ string) SignOption {
	return func(t *jwt.Token) {
		t.Header["typ"] = typ
	}
}

// Sign signs claims with the issuer's current key, provisioning one if the
// issuer is new. The header kid is "<issuerDID>#keys-N".
func (m *Manager) Sign(ctx context.Context, claims jwt.Claims, issuerDID string, opts ...SignOption) (string, string, error) {
	key, err := m.GetOrCreateKey(ctx, issuerDID)
	if err != nil {
		return "", "", err
	}
	priv, err := m.privateKey(key)
	if err != nil {
		return "", "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.HeaderKID()
	for _, opt := range opts {
		opt(token)
	}
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "sign token")
	}
	return signed, key.HeaderKID(), nil
}

// Verify checks token against the historical key its header kid names, so
// tokens signed before a rotation stay verifiable. A header kid without a DID
// part is resolved against the token's iss claim.
func (m *Manager) Verify(ctx context.Context, token string) (jwt.MapClaims, SigningKey, error) {
	key, err := m.ResolveKey(ctx, token)
	if err != nil {
		return nil, SigningKey{}, err
	}
	pub, err := ParsePublicKey(key.PublicKey)
	if err != nil {
		return nil, SigningKey{}, dErrors.Wrap(err, dErrors.CodeInternal, "decode stored public key")
	}
	claims, err := m.VerifyWithKey(token, pub)
	if err != nil {
		return nil, SigningKey{}, err
	}
	return claims, key, nil
}

// ResolveKey finds the stored key named by the token's header kid without
// checking the signature.
func (m *Manager) ResolveKey(ctx context.Context, token string) (SigningKey, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		m.metrics.IncVerifyFailure("malformed")
		return SigningKey{}, dErrors.Wrap(err, dErrors.CodeInvalidToken, "malformed token")
	}
	kid, _ := parsed.Header["kid"].(string)
	issuerDID, version, err := ParseHeaderKID(kid)
	if err != nil {
		m.metrics.IncVerifyFailure("kid")
		return SigningKey{}, dErrors.Wrap(ErrKeyNotFound, dErrors.CodeNotFound, "token kid does not name an issuer key")
	}
	if issuerDID == "" {
		if claims, ok := parsed.Claims.(jwt.MapClaims); ok {
			issuerDID, _ = claims["iss"].(string)
		}
	}

	keys, err := m.store.List(ctx, issuerDID)
	if err != nil {
		return SigningKey{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load signing keys")
	}
	for _, k := range keys {
		if k.Version == version {
			return k, nil
		}
	}
	m.metrics.IncVerifyFailure("unknown_kid")
	return SigningKey{}, dErrors.Wrap(ErrKeyNotFound, dErrors.CodeNotFound, "signing key not found for kid "+kid)
}

// VerifyWithKey verifies an ES256 token against a specific public key.
func (m *Manager) VerifyWithKey(token string, pub *ecdsa.PublicKey) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{AlgES256}), jwt.WithTimeFunc(m.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			m.metrics.IncVerifyFailure("expired")
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidToken, "token expired")
		}
		m.metrics.IncVerifyFailure("signature")
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidToken, "token signature invalid")
	}
	return claims, nil
}

// PublicKeys lists every key version the issuer has ever had, oldest first.
func (m *Manager) PublicKeys(ctx context.Context, issuerDID string) ([]JWK, error) {
	keys, err := m.store.List(ctx, issuerDID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "load signing keys")
	}
	out := make([]JWK, 0, len(keys))
	for _, k := range keys {
		pub, err := ParsePublicKey(k.PublicKey)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode stored public key")
		}
		out = append(out, toJWK(k, pub))
	}
	return out, nil
}

// RotateEncryptionKeys re-seals every stored private key under newSecret.
// Public keys and kids are unchanged. Keys that no known secret opens are
// reported and left as they are, and the old secret stays available as a
// fallback.
//
// A failed write rolls the already resealed records back to their previous
// sealing, so the store stays openable with the old secret alone. Records the
// rollback could not restore are listed in the report as Stranded and need the
// new secret configured.
func (m *Manager) RotateEncryptionKeys(ctx context.Context, newSecret string) (RotationReport, error) {
	m.sealerMu.Lock()
	defer m.sealerMu.Unlock()

	next, err := m.sealer.Rotate(newSecret)
	if err != nil {
		return RotationReport{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid encryption secret")
	}

	all, err := m.store.ListAll(ctx)
	if err != nil {
		return RotationReport{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load signing keys")
	}

	// next opens both sealings, so it is in place before the first write.
	prev := m.sealer
	m.sealer = next

	var (
		report   RotationReport
		replaced []SigningKey
	)
	for _, k := range all {
		original := k
		aad := []byte(k.HeaderKID())
		plain, err := next.Open(k.EncryptionKeyID, k.EncryptedPrivateKey, aad)
		if err != nil {
			report.Skipped = append(report.Skipped, k.HeaderKID())
			m.logger.WarnContext(ctx, "private key could not be opened during rollover",
				"kid", k.HeaderKID(),
				"encryption_key_id", k.EncryptionKeyID,
			)
			continue
		}
		k.EncryptionKeyID, k.EncryptedPrivateKey, err = next.Seal(plain, aad)
		if err != nil {
			return m.abortRotation(ctx, prev, replaced, report,
				dErrors.Wrap(err, dErrors.CodeInternal, "reseal private key"))
		}
		if err := m.store.Replace(ctx, k); err != nil {
			return m.abortRotation(ctx, prev, replaced, report,
				dErrors.Wrap(err, dErrors.CodeUnavailable, "store resealed key"))
		}
		replaced = append(replaced, original)
		report.ReEncrypted++
	}

	m.metrics.AddEncryptionRotation("resealed", report.ReEncrypted)
	m.metrics.AddEncryptionRotation("skipped", len(report.Skipped))
	m.logger.InfoContext(ctx, "key encryption rotated",
		"resealed", report.ReEncrypted,
		"skipped", len(report.Skipped),
		"encryption_key_id", next.CurrentKeyID(),
	)
	return report, nil
}

// abortRotation restores the records in replaced to their previous sealing.
// The previous sealer is reinstated only when every record was restored.
// Caller holds sealerMu.
func (m *Manager) abortRotation(ctx context.Context, prev *Sealer, replaced []SigningKey, report RotationReport, cause error) (RotationReport, error) {
	report.ReEncrypted = 0
	for _, original := range replaced {
		if err := m.store.Replace(ctx, original); err != nil {
			report.Stranded = append(report.Stranded, original.HeaderKID())
			m.logger.ErrorContext(ctx, "rollover rollback failed; key needs the new secret",
				"kid", original.HeaderKID(),
				"error", err,
			)
		}
	}
	if len(report.Stranded) == 0 {
		m.sealer = prev
	}
	m.metrics.AddEncryptionRotation("stranded", len(report.Stranded))
	m.logger.ErrorContext(ctx, "key encryption rollover aborted",
		"rolled_back", len(replaced)-len(report.Stranded),
		"stranded", len(report.Stranded),
		"error", cause,
	)
	return report, cause
}

func (m *Manager) currentSealer() *Sealer {
	m.sealerMu.RLock()
	defer m.sealerMu.RUnlock()
	return m.sealer
}

func (m *Manager) privateKey(key SigningKey) (*ecdsa.PrivateKey, error) {
	kid := key.HeaderKID()
	m.cacheMu.RLock()
	priv, ok := m.cache[kid]
	m.cacheMu.RUnlock()
	if ok {
		return priv, nil
	}

	der, err := m.currentSealer().Open(key.EncryptionKeyID, key.EncryptedPrivateKey, []byte(kid))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "open private key")
	}
	priv, err = x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode private key")
	}
	m.cachePrivate(kid, priv)
	return priv, nil
}

func (m *Manager) cachePrivate(kid string, priv *ecdsa.PrivateKey) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[kid] = priv
}

// ParsePublicKey decodes a PKIX DER ECDSA public key.
func ParsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not ECDSA", pub)
	}
	return ec, nil
}

func toJWK(k SigningKey, pub *ecdsa.PublicKey) JWK {
	size := (pub.Curve.Params().BitSize + 7) / 8
	return JWK{
		Kty:       "EC",
		Crv:       pub.Curve.Params().Name,
		X:         base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, size))),
		Y:         base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, size))),
		Kid:       k.HeaderKID(),
		Alg:       AlgES256,
		Use:       "sig",
		CreatedAt: k.CreatedAt,
	}
}

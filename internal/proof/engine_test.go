package proof

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"credtrust/internal/credential"
	"credtrust/internal/storage"
	"credtrust/pkg/canonical"
	dErrors "credtrust/pkg/domain-errors"
	"credtrust/pkg/requestcontext"
)

type EngineSuite struct {
	suite.Suite
	ctx    context.Context
	kv     *storage.MemoryKV
	creds  *credential.KVStore
	engine *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	s.kv = storage.NewMemoryKV()
	s.creds = credential.NewKVStore(s.kv)
	s.engine = NewEngine(s.creds, NewReplayGuard(s.kv, time.Minute))

	s.Require().NoError(s.creds.Create(s.ctx, &credential.Credential{
		ID:             "urn:uuid:degree-1",
		IssuerDID:      "did:web:university.example",
		SubjectDID:     "did:key:z6MkStudent",
		CredentialData: map[string]any{"degree": "B.Tech", "score": 9.1},
		Format:         credential.FormatJWTVC,
	}))
}

func (s *EngineSuite) generate(req GenerateRequest) *Proof {
	res, err := s.engine.Generate(s.ctx, req)
	s.Require().NoError(err)
	s.Require().Equal(StatusGenerated, res.Status)
	return res.Proof
}

func (s *EngineSuite) TestGenerateBuildsLeafFromClaims() {
	p := s.generate(GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:degree-1", Nonce: "n-1"})

	claims, err := canonical.HashStrict(map[string]any{"score": 9.1, "degree": "B.Tech"})
	s.Require().NoError(err)
	s.Equal(claims, p.ClaimsDigest)

	leaf, err := canonical.HashStrict(map[string]any{
		"nonce":         "n-1",
		"claims_digest": claims,
		"credential_id": "urn:uuid:degree-1",
	})
	s.Require().NoError(err)
	s.Equal(leaf, p.LeafHash)
	s.Equal(canonical.ModeStrict, p.Canonicalization)
	s.Equal("did:web:university.example", p.IssuerDID)
}

func (s *EngineSuite) TestGenerateUnknownCredential() {
	_, err := s.engine.Generate(s.ctx, GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:missing"})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *EngineSuite) TestUnsupportedFormatIsAStatus() {
	res, err := s.engine.Generate(s.ctx, GenerateRequest{Format: FormatBBS2023, CredentialID: "urn:uuid:degree-1"})
	s.Require().NoError(err)
	s.Equal(StatusUnsupportedFormat, res.Status)
	s.Equal([]Format{FormatMerkleMembership, FormatZKHook}, res.SupportedFormats)

	vres, err := s.engine.Verify(s.ctx, VerifyRequest{Proof: Proof{Format: FormatECDSASD2023}})
	s.Require().NoError(err)
	s.Equal(StatusUnsupportedFormat, vres.Status)
	s.False(vres.Valid)
}

func (s *EngineSuite) TestEnabledFormatsNarrowsSupport() {
	e := NewEngine(s.creds, NewReplayGuard(s.kv, time.Minute), WithEnabledFormats("merkle-membership", "bogus"))
	res, err := e.Generate(s.ctx, GenerateRequest{Format: FormatZKHook, CredentialID: "urn:uuid:degree-1"})
	s.Require().NoError(err)
	s.Equal(StatusUnsupportedFormat, res.Status)
}

func (s *EngineSuite) TestVerifyRoundTrip() {
	p := s.generate(GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:degree-1", Challenge: "c-1", Domain: "jobs.example"})

	res, err := s.engine.Verify(s.ctx, VerifyRequest{Proof: *p, Challenge: "c-1", Domain: "jobs.example"})
	s.Require().NoError(err)
	s.True(res.Valid)
	s.Equal(StatusValid, res.Status)
	s.Empty(res.ReasonCodes)
}

func (s *EngineSuite) TestTamperedClaimsFailWithHashMismatch() {
	p := s.generate(GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:degree-1"})

	res, err := s.engine.Verify(s.ctx, VerifyRequest{
		Proof:          *p,
		CredentialData: map[string]any{"degree": "B.Tech", "score": 8.8},
	})
	s.Require().NoError(err)
	s.False(res.Valid)
	s.Equal([]string{ReasonHashMismatch}, res.ReasonCodes)
}

func (s *EngineSuite) TestEachBindingMismatchHasItsOwnCode() {
	p := s.generate(GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:degree-1", Nonce: "n", Challenge: "c", Domain: "d"})

	tampered := *p
	tampered.LeafHash = strings.Repeat("0", 64)

	res, err := s.engine.Verify(s.ctx, VerifyRequest{
		Proof:      tampered,
		Challenge:  "other-challenge",
		Domain:     "other-domain",
		IssuerDID:  "did:web:fake.example",
		SubjectDID: "did:key:z6MkSomeoneElse",
	})
	s.Require().NoError(err)
	s.False(res.Valid)
	s.Equal([]string{
		ReasonChallengeMismatch,
		ReasonDomainMismatch,
		ReasonIssuerMismatch,
		ReasonLeafMismatch,
		ReasonSubjectMismatch,
	}, res.ReasonCodes, "reason codes are sorted")
}

func (s *EngineSuite) TestReplayIsRejectedBeforeValidation() {
	p := s.generate(GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:degree-1"})
	req := VerifyRequest{Proof: *p, Challenge: ""}

	first, err := s.engine.Verify(s.ctx, req)
	s.Require().NoError(err)
	s.True(first.Valid)

	second, err := s.engine.Verify(s.ctx, req)
	s.Require().NoError(err)
	s.False(second.Valid)
	s.Equal(StatusReplayDetected, second.Status)
	s.Equal([]string{ReasonReplayDetected}, second.ReasonCodes)
}

func (s *EngineSuite) TestZKHookAllowlist() {
	_, err := s.engine.Generate(s.ctx, GenerateRequest{
		Format:       FormatZKHook,
		CredentialID: "urn:uuid:degree-1",
		ZKHook:       &ZKHook{Circuit: "arbitrary-wasm"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrity))

	p := s.generate(GenerateRequest{
		Format:       FormatZKHook,
		CredentialID: "urn:uuid:degree-1",
		ZKHook:       &ZKHook{Circuit: "score-threshold", PublicInputs: map[string]any{"min": 8}},
	})
	res, err := s.engine.Verify(s.ctx, VerifyRequest{Proof: *p})
	s.Require().NoError(err)
	s.True(res.Valid)

	swapped := *p
	swapped.ZKHook = &ZKHook{Circuit: "run-anything"}
	res, err = s.engine.Verify(s.ctx, VerifyRequest{Proof: swapped})
	s.Require().NoError(err)
	s.Equal([]string{ReasonUnsupportedCircuit}, res.ReasonCodes)
}

func (s *EngineSuite) TestExpectedHashAcceptsLegacyDigests() {
	p := s.generate(GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:degree-1"})
	claims := map[string]any{"degree": "B.Tech", "score": 9.1}

	anchor, err := canonical.Hash(claims, canonical.Keccak256, canonical.ModeStrict)
	s.Require().NoError(err)
	res, err := s.engine.Verify(s.ctx, VerifyRequest{Proof: *p, ExpectedHash: anchor, Algorithm: "keccak256"})
	s.Require().NoError(err)
	s.True(res.Valid)
	s.Equal(canonical.ModeStrict, res.HashMode)

	res, err = s.engine.Verify(s.ctx, VerifyRequest{Proof: *p, ExpectedHash: "deadbeef", Algorithm: "sha256"})
	s.Require().NoError(err)
	s.Equal([]string{ReasonExpectedHashMismatch}, res.ReasonCodes)

	_, err = s.engine.Verify(s.ctx, VerifyRequest{Proof: *p, ExpectedHash: anchor, Algorithm: "md5"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *EngineSuite) TestMissingCredentialWithoutClaims() {
	p := s.generate(GenerateRequest{Format: FormatMerkleMembership, CredentialID: "urn:uuid:degree-1"})
	ghost := *p
	ghost.CredentialID = "urn:uuid:ghost"

	res, err := s.engine.Verify(s.ctx, VerifyRequest{Proof: ghost})
	s.Require().NoError(err)
	s.Contains(res.ReasonCodes, ReasonCredentialNotFound)
	s.Contains(res.ReasonCodes, ReasonLeafMismatch)
}

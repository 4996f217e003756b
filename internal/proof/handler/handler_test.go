package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"credtrust/internal/proof"
	"credtrust/internal/proof/handler/mocks"
	dErrors "credtrust/pkg/domain-errors"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service
type ProofHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestProofHandlerSuite(t *testing.T) {
	suite.Run(t, new(ProofHandlerSuite))
}

func (s *ProofHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func (s *ProofHandlerSuite) do(path string, body any) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *ProofHandlerSuite) TestGenerate() {
	s.Run("maps request to domain", func() {
		s.service.EXPECT().Generate(gomock.Any(), proof.GenerateRequest{
			Format:       proof.FormatZKHook,
			CredentialID: "urn:uuid:1",
			Challenge:    "c",
			ZKHook:       &proof.ZKHook{Circuit: "age-verification"},
		}).Return(proof.GenerateResult{Status: proof.StatusGenerated, Proof: &proof.Proof{LeafHash: "abc"}}, nil)

		w := s.do("/proofs/generate", map[string]any{
			"format":        " ZK-HOOK ",
			"credential_id": "urn:uuid:1",
			"challenge":     "c",
			"zk_hook":       map[string]any{"circuit": "age-verification"},
		})
		s.Equal(http.StatusOK, w.Code)
		s.Contains(w.Body.String(), `"leaf_hash":"abc"`)
	})

	s.Run("missing credential id names the field", func() {
		w := s.do("/proofs/generate", map[string]any{"format": "merkle-membership"})
		s.Equal(http.StatusBadRequest, w.Code)
		s.Contains(w.Body.String(), `"field":"credential_id"`)
	})

	s.Run("unknown credential is 404", func() {
		s.service.EXPECT().Generate(gomock.Any(), gomock.Any()).
			Return(proof.GenerateResult{}, dErrors.New(dErrors.CodeNotFound, "credential not found"))
		w := s.do("/proofs/generate", map[string]any{"format": "merkle-membership", "credential_id": "x"})
		s.Equal(http.StatusNotFound, w.Code)
	})

	s.Run("unknown fields are rejected", func() {
		w := s.do("/proofs/generate", map[string]any{"format": "merkle-membership", "credential_id": "x", "extra": 1})
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *ProofHandlerSuite) TestVerifyReportsIntegrityFailureAs200() {
	s.service.EXPECT().Verify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ any, req proof.VerifyRequest) (proof.VerifyResult, error) {
			s.Equal(proof.FormatMerkleMembership, req.Proof.Format)
			s.Equal(8.8, req.CredentialData["score"])
			return proof.VerifyResult{Status: proof.StatusInvalid, ReasonCodes: []string{proof.ReasonHashMismatch}}, nil
		})

	w := s.do("/proofs/verify", map[string]any{
		"format":          "merkle-membership",
		"proof":           map[string]any{"format": "bbs-2023", "credential_id": "urn:uuid:1", "leaf_hash": "ff"},
		"credential_data": map[string]any{"degree": "B.Tech", "score": 8.8},
	})
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"valid":false,"status":"invalid","reason_codes":["PROOF_HASH_MISMATCH"]}`, w.Body.String())
}

func (s *ProofHandlerSuite) TestVerifyRequiresProof() {
	w := s.do("/proofs/verify", map[string]any{"challenge": "c"})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Contains(w.Body.String(), `"field":"proof"`)
}

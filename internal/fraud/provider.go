package fraud

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"credtrust/pkg/canonical"
	platformstrings "credtrust/pkg/platform/strings"
	"credtrust/pkg/platform/upstream"
)

// ScoreProvider produces an anomaly score in 0..100. It is chosen once at
// construction; the blender never probes the environment.
type ScoreProvider interface {
	Name() string
	Score(ctx context.Context, in Input, ruleScore int) (int, error)
}

// DeterministicProvider estimates an anomaly score from the rule score and a
// stable digest of the credential, so identical input always scores the same.
type DeterministicProvider struct{}

func (DeterministicProvider) Name() string { return "deterministic" }

func (DeterministicProvider) Score(_ context.Context, in Input, ruleScore int) (int, error) {
	seed, err := Seed(in)
	if err != nil {
		return 0, err
	}
	jitter := int(seed % 16)
	return clamp(int(math.Round(float64(ruleScore)*0.75)) + jitter), nil
}

// Seed is the first eight bytes of the strict canonical sha256 of the
// credential fields the blender sees.
func Seed(in Input) (uint64, error) {
	doc := map[string]any{
		"credential_id": in.CredentialID,
		"issuer":        in.IssuerDID,
		"subject":       in.SubjectDID,
		"format":        in.Format,
		"claims":        in.Claims,
		"base_score":    in.BaseScore,
		"flags":         platformstrings.SortedUnique(in.Flags),
	}
	digest, err := canonical.HashStrict(doc)
	if err != nil {
		return 0, fmt.Errorf("seed anomaly estimate: %w", err)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) < 8 {
		return 0, fmt.Errorf("seed anomaly estimate: bad digest")
	}
	return binary.BigEndian.Uint64(raw[:8]), nil
}

const providerService = "anomaly-provider"

// HTTPProvider posts the input to an external anomaly scorer.
type HTTPProvider struct {
	url    string
	client *http.Client
}

func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

type scoreRequest struct {
	Input
	RuleScore int `json:"rule_score"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

func (p *HTTPProvider) Score(ctx context.Context, in Input, ruleScore int) (int, error) {
	body, err := json.Marshal(scoreRequest{Input: in, RuleScore: ruleScore})
	if err != nil {
		return 0, fmt.Errorf("encode anomaly request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build anomaly request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, upstream.FromTransport(providerService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, upstream.FromStatus(providerService, resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return 0, upstream.New(upstream.CategoryBadData, providerService, "decode score", err)
	}
	if out.Score == nil || math.IsNaN(*out.Score) || *out.Score < 0 || *out.Score > 100 {
		return 0, upstream.New(upstream.CategoryBadData, providerService, "score out of range", nil)
	}
	return int(math.Round(*out.Score)), nil
}

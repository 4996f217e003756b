package adapters

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"credtrust/pkg/platform/circuit"
	"credtrust/pkg/platform/upstream"
)

const maxResponseBytes = 1 << 20

// jsonClient is the shared GET-JSON client behind the registry and ledger
// adapters. Calls are bounded by the client timeout and short-circuited while
// the breaker is open.
type jsonClient struct {
	service string
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func newJSONClient(service, baseURL string, timeout time.Duration, logger *slog.Logger) *jsonClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &jsonClient{
		service: service,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: circuit.New(service,
			circuit.WithFailureThreshold(5),
			circuit.WithSuccessThreshold(2),
			circuit.WithCooldown(30*time.Second),
		),
		logger: logger,
	}
}

// get decodes the JSON body of GET <base>/<segments...> into out. A 404 is
// reported as an upstream not_found error and does not trip the breaker.
func (c *jsonClient) get(ctx context.Context, out any, segments ...string) error {
	if !c.breaker.Allow() {
		return upstream.New(upstream.CategoryCircuitOpen, c.service, "circuit open", nil)
	}

	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+strings.Join(escaped, "/"), nil)
	if err != nil {
		return upstream.New(upstream.CategoryInternal, c.service, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.fail()
		return upstream.FromTransport(c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.breaker.RecordSuccess()
		return upstream.FromStatus(c.service, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		ue := upstream.FromStatus(c.service, resp.StatusCode)
		if ue.Retryable {
			c.fail()
		}
		return ue
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return upstream.New(upstream.CategoryBadData, c.service, "decode response", err)
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *jsonClient) fail() {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.Warn("circuit opened", "service", c.service)
	}
}

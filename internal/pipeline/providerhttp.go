package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/routeerr"
	"github.com/routecodex/routecodex/internal/tlsutil"
)

// HTTPTimeouts are ProviderHTTP's three independently configurable
// timeouts.
type HTTPTimeouts struct {
	ConnectTimeout    time.Duration
	HeadersTimeout    time.Duration
	StreamIdleTimeout time.Duration
}

// ProviderHTTP is the only module performing network I/O: a net/http
// POST, status≥400 mapped to a classified error, and a StreamSSE-style
// chunk loop, generalized to independent connect/headers/stream-idle
// timeouts instead of one blanket client.Timeout.
type ProviderHTTP struct {
	moduleID string
	client   *http.Client
	timeouts HTTPTimeouts
}

// NewProviderHTTP constructs the network stage with its own
// connect-timeout-scoped transport, grounded on tlsutil.SecureTransport.
func NewProviderHTTP(timeouts HTTPTimeouts) *ProviderHTTP {
	transport := tlsutil.SecureTransport()
	transport.DialContext = (&net.Dialer{
		Timeout:   nonZero(timeouts.ConnectTimeout, 10*time.Second),
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = nonZero(timeouts.HeadersTimeout, 30*time.Second)
	return &ProviderHTTP{
		moduleID: "provider-http",
		client:   &http.Client{Transport: transport}, // no blanket Timeout: streaming responses must not be capped
		timeouts: timeouts,
	}
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (m *ProviderHTTP) Initialize(ctx context.Context) error { return nil }
func (m *ProviderHTTP) Cleanup() error                       { return nil }

func (m *ProviderHTTP) ProcessOutgoing(ctx context.Context, env *Envelope) (*Envelope, error) {
	return env, nil
}

// ProcessIncoming issues the one upstream HTTP call the whole pipeline
// makes. Buffered responses populate Envelope.ResponseBody/Usage;
// streaming responses populate Envelope.StreamSource instead.
func (m *ProviderHTTP) ProcessIncoming(ctx context.Context, env *Envelope) (*Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.Endpoint, bytes.NewReader(env.Body))
	if err != nil {
		return nil, netErr(env.RequestID, "EINVALID_REQUEST", err)
	}
	for k, v := range env.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(env.RequestID, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		snippet := readBounded(resp.Body, 2048)
		return nil, upstreamStatusErr(env.RequestID, resp.StatusCode, snippet)
	}

	if !env.Stream {
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, netErr(env.RequestID, "ECONNRESET", err)
		}
		env.ResponseBody = raw
		env.Usage = extractUsage(raw)
		return env, nil
	}

	env.StreamSource = newSSESource(ctx, resp.Body, m.timeouts.StreamIdleTimeout)
	return env, nil
}

func readBounded(r io.Reader, limit int64) string {
	raw, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(raw)
}

func upstreamStatusErr(requestID string, status int, snippet string) error {
	code := routeerr.CodeUpstreamDown
	series := routeerr.Series5XX
	if status == 429 {
		code = routeerr.CodeUpstreamRateLimit
		series = routeerr.Series429
	} else if status == 401 || status == 403 {
		code = routeerr.CodeAuthFailure
		series = routeerr.SeriesFatal
	}
	return routeerr.New(code, fmt.Sprintf("upstream returned status %d", status)).
		WithSeries(series).
		WithHTTPStatus(status).
		WithRequestID(requestID).
		WithRetryable(series != routeerr.SeriesFatal).
		WithDetail("snippet", snippet)
}

func netErr(requestID, code string, cause error) error {
	return routeerr.New(routeerr.Code(code), "network failure").
		WithSeries(routeerr.SeriesNet).
		WithHTTPStatus(502).
		WithRequestID(requestID).
		WithRetryable(true).
		WithCause(cause)
}

func classifyTransportErr(requestID string, err error) error {
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "TIMEOUT"):
		return netErr(requestID, "UPSTREAM_HEADERS_TIMEOUT", err)
	case strings.Contains(msg, "CONNECTION REFUSED"):
		return netErr(requestID, "ECONNREFUSED", err)
	case strings.Contains(msg, "RESET"):
		return netErr(requestID, "ECONNRESET", err)
	default:
		return netErr(requestID, "ENETWORK", err)
	}
}

// extractUsage pulls the OpenAI-compatible usage object out of a
// buffered upstream JSON body, tolerating providers that omit it.
func extractUsage(raw []byte) Usage {
	var body struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(raw, &body)
	return Usage(body.Usage)
}

// sseSource implements StreamSource over an SSE response body, using a
// bufio.Reader loop generalized with an idle timeout per read instead
// of relying on the client-wide timeout.
type sseSource struct {
	ctx        context.Context
	cancel     context.CancelFunc
	body       io.ReadCloser
	reader     *bufio.Reader
	idleTimeout time.Duration
}

func newSSESource(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration) *sseSource {
	cctx, cancel := context.WithCancel(ctx)
	return &sseSource{ctx: cctx, cancel: cancel, body: body, reader: bufio.NewReader(body), idleTimeout: nonZero(idleTimeout, 60*time.Second)}
}

func (s *sseSource) Next(ctx context.Context) (StreamChunk, bool) {
	type result struct {
		line string
		err  error
	}
	lineCh := make(chan result, 1)
	go func() {
		line, err := s.reader.ReadString('\n')
		lineCh <- result{line, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return StreamChunk{Err: netErr("", "UPSTREAM_STREAM_ABORTED", ctx.Err())}, false
	case <-time.After(s.idleTimeout):
		return StreamChunk{Err: netErr("", "UPSTREAM_STREAM_IDLE_TIMEOUT", fmt.Errorf("no data for %s", s.idleTimeout))}, false
	case res = <-lineCh:
	}

	if res.err != nil {
		if res.err == io.EOF {
			return StreamChunk{Done: true}, false
		}
		return StreamChunk{Err: netErr("", "UPSTREAM_STREAM_TIMEOUT", res.err)}, false
	}

	line := strings.TrimSpace(res.line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return StreamChunk{}, true // caller should keep polling; empty chunk is a no-op
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		return StreamChunk{Done: true}, false
	}
	return StreamChunk{Data: []byte(data)}, true
}

func (s *sseSource) Close() error {
	s.cancel()
	return s.body.Close()
}

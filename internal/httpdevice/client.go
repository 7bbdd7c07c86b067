// Package httpdevice implements the single-device HTTP transport: an
// adaptive-timeout POST client with truncated-response salvage, grounded on
// merossclient.MerossHttpClient.async_request_raw and
// MerossDevice.async_http_request_raw in the original Python source.
package httpdevice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"merosslan/internal/errs"
	"merosslan/internal/wire"
)

// Budget tracks the learned per-device payload size window used both by the
// HTTP transport (to decide truncation) and by the device engine's batching
// (to decide how many sub-requests fit in one envelope).
type Budget struct {
	mu  sync.RWMutex
	min int // largest successfully received reply, bytes
	max int // upper bound learned from truncation incidents, bytes
}

// NewBudget returns a budget seeded with the spec's defaults.
func NewBudget() *Budget {
	return &Budget{min: 2000, max: 5000}
}

func (b *Budget) Min() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.min
}

func (b *Budget) Max() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.max
}

// Grow raises min towards a newly observed successful reply size.
func (b *Budget) Grow(replySize int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if replySize > b.min {
		b.min = replySize
	}
}

// Truncate records a truncation incident: clamp max down to 90% of the body
// length, then keep min <= max.
func (b *Budget) Truncate(bodyLen int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.max = int(float64(bodyLen) * 0.9)
	if b.min > b.max {
		b.min = b.max
	}
}

// BackoffOnReset halves the distance between max and min, exponentially
// shrinking the batch budget after a connection reset mid multi-request.
func (b *Budget) BackoffOnReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.max = (b.max + b.min) / 2
}

// Config holds the HTTP client's tunables.
type Config struct {
	InitialTimeout time.Duration // default 1s
	CeilingTimeout time.Duration // default 5s
}

func DefaultConfig() Config {
	return Config{InitialTimeout: time.Second, CeilingTimeout: 5 * time.Second}
}

// Client is a single-device HTTP transport: one outstanding request at a
// time, adaptive timeout relaxation, truncation salvage.
type Client struct {
	host   string
	key    string
	from   string
	config Config
	logger *zap.Logger
	hc     *http.Client
	budget *Budget
	cb     *gobreaker.CircuitBreaker[*wire.Envelope]
	sendMu sync.Mutex // serializes Send: one outstanding request

	// OnTruncationRecovered, if set, is called every time a truncated
	// multi-request reply is successfully salvaged.
	OnTruncationRecovered func()
}

// New constructs an HTTP client for one device. host is an "ip:port" or
// bare hostname; the request URL is always POST http://host/config.
func New(host, key, from string, budget *Budget, config Config, logger *zap.Logger) *Client {
	c := &Client{
		host:   host,
		key:    key,
		from:   from,
		config: config,
		logger: logger,
		hc:     &http.Client{},
		budget: budget,
	}
	c.cb = gobreaker.NewCircuitBreaker[*wire.Envelope](gobreaker.Settings{
		Name:        "http:" + host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("http circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// SetHost updates the target host, e.g. after a DHCP-driven IP change.
func (c *Client) SetHost(host string) { c.host = host }

func (c *Client) url() string { return fmt.Sprintf("http://%s/config", c.host) }

// Request sends one envelope and returns the parsed reply, retrying up to
// attempts times on generic errors. It implements the timeout-doubling
// relaxation loop (§4.2) and truncation salvage for NS Control.Multiple.
func (c *Client) Request(ctx context.Context, namespace wire.Namespace, method wire.Method, payload any, attempts int) (*wire.Envelope, error) {
	env, err := wire.Build(namespace, method, payload, c.key, c.from)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, env, attempts)
}

// Send posts a pre-built envelope, applying the breaker and retry loop.
func (c *Client) Send(ctx context.Context, env wire.Envelope, attempts int) (*wire.Envelope, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		reply, err := c.cb.Execute(func() (*wire.Envelope, error) {
			return c.sendOnce(ctx, env)
		})
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if te, ok := err.(*errs.TransportError); ok {
			switch te.Kind {
			case errs.TransportTerminated, errs.TransportTimeout, errs.TransportReset:
				return nil, err
			case errs.TransportTruncated:
				// caller decides whether salvage already happened; no retry
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// sendOnce performs exactly one HTTP round trip with the adaptive timeout
// doubling loop: start at config.InitialTimeout, double on each timeout up
// to config.CeilingTimeout, then surface the timeout.
func (c *Client) sendOnce(ctx context.Context, env wire.Envelope) (*wire.Envelope, error) {
	body, err := wire.Marshal(env)
	if err != nil {
		return nil, err
	}

	timeout := c.config.InitialTimeout
	var resp *http.Response
	for {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, rerr := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url(), bytes.NewReader(body))
		if rerr != nil {
			cancel()
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err = c.hc.Do(req)
		cancel()
		if err == nil {
			break
		}
		if isTimeout(err) && timeout < c.config.CeilingTimeout {
			timeout *= 2
			if timeout > c.config.CeilingTimeout {
				timeout = c.config.CeilingTimeout
			}
			continue
		}
		if isTimeout(err) {
			return nil, &errs.TransportError{Kind: errs.TransportTimeout, Op: string(env.Header.Namespace), Err: err}
		}
		if isReset(err) {
			if env.Header.Namespace == wire.NamespaceControlUnbind {
				// expected: the device resets itself on UNBIND
				return nil, &errs.TransportError{Kind: errs.TransportTerminated, Op: string(env.Header.Namespace), Err: err}
			}
			if env.Header.Namespace == wire.NamespaceControlMultiple {
				c.budget.BackoffOnReset()
			}
			return nil, &errs.TransportError{Kind: errs.TransportReset, Op: string(env.Header.Namespace), Err: err}
		}
		return nil, &errs.TransportError{Kind: errs.TransportGeneric, Op: string(env.Header.Namespace), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.TransportError{Kind: errs.TransportGeneric, Op: string(env.Header.Namespace),
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.TransportError{Kind: errs.TransportGeneric, Op: string(env.Header.Namespace), Err: err}
	}

	reply, perr := wire.Parse(raw)
	if perr != nil {
		return c.handleDecodeError(env, raw, perr)
	}

	c.budget.Grow(len(raw))
	if !wire.Verify(reply.Header, c.key) {
		c.logger.Debug("signature mismatch", zap.String("namespace", string(reply.Header.Namespace)))
	}
	return &reply, nil
}

// handleDecodeError classifies a JSON parse failure as truncation (error
// position beyond 90% of the body) and, for a multi-request envelope,
// attempts salvage by truncating at the last `,{"header":` boundary.
func (c *Client) handleDecodeError(req wire.Envelope, raw []byte, parseErr error) (*wire.Envelope, error) {
	bodyLen := len(raw)
	errPos := jsonErrorOffset(parseErr, raw)
	threshold := int(float64(bodyLen) * 0.9)

	if errPos > threshold {
		c.budget.Truncate(bodyLen)
		if req.Header.Namespace == wire.NamespaceControlMultiple {
			if salvaged, ok := Salvage(raw); ok {
				reply, perr := wire.Parse(salvaged)
				if perr == nil {
					if c.OnTruncationRecovered != nil {
						c.OnTruncationRecovered()
					}
					return &reply, nil
				}
			}
		}
		return nil, &errs.TransportError{Kind: errs.TransportTruncated, Op: string(req.Header.Namespace), Err: parseErr}
	}
	return nil, &errs.TransportError{Kind: errs.TransportGeneric, Op: string(req.Header.Namespace), Err: parseErr}
}

// Salvage truncates a broken multi-request reply at the last complete
// sub-response boundary and closes the envelope, recovering k-1 of k
// sub-responses (see SPEC_FULL.md Laws, "Truncation salvage").
func Salvage(raw []byte) ([]byte, bool) {
	s := string(raw)
	idx := strings.LastIndex(s, `,{"header":`)
	if idx == -1 {
		return nil, false
	}
	return []byte(s[:idx] + `]}}`), true
}

// jsonErrorOffset extracts the byte offset a json.SyntaxError reports, or
// falls back to 0 (treated as "not truncation") when the error carries no
// offset.
func jsonErrorOffset(err error, raw []byte) int {
	if se, ok := err.(*json.SyntaxError); ok {
		return int(se.Offset)
	}
	return 0
}

func isTimeout(err error) bool {
	var netErr net.Error
	if ne, ok := err.(net.Error); ok {
		netErr = ne
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func isReset(err error) bool {
	return strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "EOF") ||
		strings.Contains(err.Error(), "broken pipe")
}

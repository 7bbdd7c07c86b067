package device

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"merosslan/internal/wire"
)

// headerOverhead approximates the bytes a GETACK header adds to every
// sub-response, used to seed response-size estimates before any reply has
// actually been observed.
const headerOverhead = 120

// Strategy is a registered polling target: one namespace the adaptive
// poller keeps fresh (§3 "Polling strategy").
type Strategy struct {
	Namespace          wire.Namespace
	Method             wire.Method
	Payload            any
	ResponseSize       int
	PollingPeriod      time.Duration
	PollingPeriodCloud time.Duration
	LastRequest        time.Time
}

// RegisterStrategy adds or replaces a polling strategy. An unset
// ResponseSize defaults to headerOverhead; for SYSTEM_ALL, handleSystemAll
// raises it to len(payload) + headerOverhead whenever a larger reply
// arrives (§3 invariant).
func (d *Device) RegisterStrategy(s *Strategy) {
	if s.PollingPeriod <= 0 {
		s.PollingPeriod = d.pollingPeriod
	}
	if s.PollingPeriodCloud <= 0 {
		s.PollingPeriodCloud = s.PollingPeriod * 4
	}
	if s.ResponseSize <= 0 {
		s.ResponseSize = headerOverhead
	}
	d.mu.Lock()
	d.strategies[s.Namespace] = s
	d.mu.Unlock()
}

// Batch accumulates pending sub-requests destined for one
// Appliance.Control.Multiple envelope.
type Batch struct {
	requests      []pendingRequest
	accumSize     int
	maxCmdNum     int
	remainingSlot int
}

type pendingRequest struct {
	namespace wire.Namespace
	method    wire.Method
	payload   any
	size      int
}

func newBatch() *Batch {
	return &Batch{maxCmdNum: 1, remainingSlot: 1, accumSize: headerOverhead}
}

func (b *Batch) setMaxCmdNum(n int) {
	if n < 1 {
		n = 1
	}
	b.maxCmdNum = n
	if b.remainingSlot > n {
		b.remainingSlot = n
	}
}

func (b *Batch) empty() bool { return len(b.requests) == 0 }

func (b *Batch) reset() {
	b.requests = nil
	b.accumSize = headerOverhead
	b.remainingSlot = b.maxCmdNum
}

// multiSupported reports whether Appliance.Control.Multiple is present in
// the cached abilities.
func (d *Device) multiSupported() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.descriptor.Abilities[string(wire.NamespaceControlMultiple)]
	return ok
}

// RequestPoll implements request-poll(strategy) from §4.4: batch into the
// pending multi-request unless the strategy alone would overflow the
// learned budget, or multi-request isn't supported at all, in which case
// it sends directly.
func (d *Device) RequestPoll(ctx context.Context, s *Strategy) error {
	maxSize := d.budget.Max()

	if !d.multiSupported() || s.ResponseSize >= maxSize {
		_, err := d.Request(ctx, s.Namespace, s.Method, s.Payload)
		s.LastRequest = time.Now()
		return err
	}

	d.mu.Lock()
	if d.batch.accumSize+s.ResponseSize > maxSize {
		d.mu.Unlock()
		if err := d.Flush(ctx); err != nil {
			d.logger.Warn("flush before append failed", zap.Error(err))
		}
		d.mu.Lock()
	}
	d.batch.requests = append(d.batch.requests, pendingRequest{namespace: s.Namespace, method: s.Method, payload: s.Payload, size: s.ResponseSize})
	d.batch.accumSize += s.ResponseSize
	d.batch.remainingSlot--
	shouldFlush := d.batch.remainingSlot <= 0
	d.mu.Unlock()

	s.LastRequest = time.Now()
	if shouldFlush {
		return d.Flush(ctx)
	}
	return nil
}

type multipleRequestPayload struct {
	Multiple []wire.Envelope `json:"multiple"`
}

// Flush sends the pending batch and resets it unconditionally afterwards
// (§8 invariant: "after flush, batch state equals initial empty state").
func (d *Device) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.batch.empty() {
		d.mu.Unlock()
		return nil
	}
	pending := d.batch.requests
	d.batch.reset()
	m := d.metrics
	d.mu.Unlock()

	if m != nil {
		m.BatchFlushesTotal.Inc()
	}

	defer func() {
		d.mu.Lock()
		d.batch.reset()
		d.mu.Unlock()
	}()

	if len(pending) == 1 {
		_, err := d.Request(ctx, pending[0].namespace, pending[0].method, pending[0].payload)
		return err
	}

	envelopes := make([]wire.Envelope, 0, len(pending))
	for _, p := range pending {
		env, err := wire.Build(p.namespace, p.method, p.payload, d.key, "/app/self/publish")
		if err != nil {
			return err
		}
		envelopes = append(envelopes, env)
	}
	payload := multipleRequestPayload{Multiple: envelopes}

	reply, err := d.Request(ctx, wire.NamespaceControlMultiple, wire.MethodSet, payload)
	if err != nil || reply == nil {
		if d.Online() {
			return d.reissueIndividually(ctx, pending)
		}
		return err
	}

	var respPayload multiplePayload
	if uerr := json.Unmarshal(reply.Payload, &respPayload); uerr != nil {
		return uerr
	}

	for _, sub := range respPayload.Multiple {
		d.dispatch(sub)
	}

	if len(respPayload.Multiple) < len(pending) {
		missing := missingRequests(pending, respPayload.Multiple)
		d.mu.Lock()
		for _, m := range missing {
			d.batch.requests = append(d.batch.requests, m)
			d.batch.accumSize += m.size
		}
		d.mu.Unlock()
		return d.Flush(ctx)
	}
	return nil
}

func missingRequests(sent []pendingRequest, received []wire.Envelope) []pendingRequest {
	seen := make(map[wire.Namespace]bool, len(received))
	for _, r := range received {
		seen[r.Header.Namespace] = true
	}
	var missing []pendingRequest
	for _, s := range sent {
		if !seen[s.namespace] {
			missing = append(missing, s)
		}
	}
	return missing
}

func (d *Device) reissueIndividually(ctx context.Context, pending []pendingRequest) error {
	var lastErr error
	for _, p := range pending {
		if _, err := d.Request(ctx, p.namespace, p.method, p.payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

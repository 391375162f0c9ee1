// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway mediates every outbound request the application makes.
//
// Gateway.Fetch is the single entry point. It evaluates the request against
// the current policy snapshot, consults the host's circuit breaker, hardens
// and redacts the request, and then sends it through a transport whose TLS
// handshake, redirects and response size are all checked against the
// matched endpoint policy. Every decision and outcome is reported to the
// audit recorder; user-visible outcomes are also published on the event bus.
//
// Thread Safety:
//
//	Gateway is safe for concurrent use. Each Fetch owns its decision and
//	collector; shared state is limited to the breaker registry, the
//	transport pool and the connectivity flag.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianEgress/services/egress/audit"
	"github.com/AleutianAI/AleutianEgress/services/egress/breaker"
	"github.com/AleutianAI/AleutianEgress/services/egress/events"
	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
	"github.com/AleutianAI/AleutianEgress/services/egress/redact"
)

// UserAgent is sent on every outbound request, replacing any caller value.
const UserAgent = "AleutianEgress/1.0"

// strippedRequestHeaders never leave the process.
var strippedRequestHeaders = []string{"Cookie", "Cookie2"}

// Request is an outbound request as submitted by a caller.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// Response is a completed outbound request.
type Response struct {
	RequestID  string
	StatusCode int
	Header     http.Header
	Body       []byte
	Decision   NetworkDecision
	Redacted   bool
	Duration   time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder sets the audit sink.
func WithRecorder(r audit.Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithEventBus sets the UI event bus.
func WithEventBus(b *events.Bus) Option {
	return func(g *Gateway) { g.bus = b }
}

// WithRedactor replaces the default payload redactor.
func WithRedactor(r *redact.Redactor) Option {
	return func(g *Gateway) { g.redactor = r }
}

// WithBreakers shares a breaker registry, e.g. with the admin server.
func WithBreakers(r *breaker.Registry) Option {
	return func(g *Gateway) { g.breakers = r }
}

// WithTrustClassifier overrides the first-party domain set used for
// platform-trust endpoints.
func WithTrustClassifier(c *netclass.TrustClassifier) Option {
	return func(g *Gateway) { g.platform = c }
}

// WithRootCAs verifies server chains against pool instead of the system roots.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(g *Gateway) { g.rootCAs = pool }
}

// WithDialContext replaces the guarded dialer.
func WithDialContext(dial DialContextFunc) Option {
	return func(g *Gateway) { g.dial = dial }
}

// WithTransportFactory replaces DefaultTransportFactory.
func WithTransportFactory(f TransportFactory) Option {
	return func(g *Gateway) { g.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway is the egress security gateway.
//
// Thread Safety: Safe for concurrent use.
type Gateway struct {
	policy    PolicyReader
	evaluator *Evaluator
	recorder  audit.Recorder
	bus       *events.Bus
	redactor  *redact.Redactor
	breakers  *breaker.Registry
	platform  *netclass.TrustClassifier
	rootCAs   *x509.CertPool
	dial      DialContextFunc
	factory   TransportFactory
	pool      *transportPool
	logger    *slog.Logger

	networkAvailable atomic.Bool
}

// New creates a gateway reading policy from reader.
//
// Inputs:
//   - reader: The policy source, normally *policy.Store. Must not be nil.
//   - opts: Optional collaborators. Unset ones default to a no-op audit
//     sink, no event bus, the default redactor, a fresh breaker registry,
//     the built-in first-party domains, the system roots and the guarded
//     dialer.
//
// Outputs:
//   - *Gateway: The gateway, with the network marked available.
//   - error: Non-nil if reader is nil.
func New(reader PolicyReader, opts ...Option) (*Gateway, error) {
	if reader == nil {
		return nil, fmt.Errorf("egress gateway: policy reader must not be nil")
	}
	g := &Gateway{policy: reader}
	for _, opt := range opts {
		opt(g)
	}
	if g.recorder == nil {
		g.recorder = audit.Nop{}
	}
	if g.redactor == nil {
		g.redactor = redact.New(nil)
	}
	if g.breakers == nil {
		g.breakers = breaker.NewRegistry(breaker.Config{})
	}
	if g.platform == nil {
		g.platform = netclass.NewTrustClassifier(netclass.DefaultPlatformDomains...)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "egress.gateway")

	evaluator, err := NewEvaluator(reader, g.recorder, g.logger)
	if err != nil {
		return nil, err
	}
	g.evaluator = evaluator
	g.pool = newTransportPool(g.factory, g.dial, g.rootCAs, g.platform)
	g.networkAvailable.Store(true)
	return g, nil
}

// Breakers returns the gateway's breaker registry.
func (g *Gateway) Breakers() *breaker.Registry {
	return g.breakers
}

// Evaluator returns the gateway's policy evaluator.
func (g *Gateway) Evaluator() *Evaluator {
	return g.evaluator
}

// Close releases pooled idle connections.
func (g *Gateway) Close() {
	g.pool.closeAll()
}

// SetNetworkAvailable records the reachability state reported by the
// platform. While false, Fetch fails with networkUnavailable before any
// evaluation.
func (g *Gateway) SetNetworkAvailable(available bool) {
	if g.networkAvailable.Swap(available) == available {
		return
	}
	msg := "Network is available"
	if !available {
		msg = "Network is unavailable"
	}
	g.logger.Info("egress connectivity changed", slog.Bool("available", available))
	g.publish(events.Event{Kind: events.KindNetworkStatus, Message: msg})
}

// NetworkAvailable reports the current connectivity flag.
func (g *Gateway) NetworkAvailable() bool {
	return g.networkAvailable.Load()
}

// Fetch sends req for purpose if policy allows it.
//
// Description:
//
//	Steps, each able to end the request:
//	  1. connectivity flag false: networkUnavailable
//	  2. policy evaluation: the rejection code
//	  3. host breaker not admitting: circuitOpen
//	  4. hardening: endpoint timeout, fixed User-Agent, cookies stripped,
//	     JSON-like bodies redacted
//	  5. transport with endpoint trust, redirect and size checks
//	Transport outcomes feed the host's breaker. Set-Cookie is stripped from
//	the returned headers.
//
// Inputs:
//   - ctx: Cancellation and tracing. Cancellation counts as a failure.
//   - req: The request. Must not be nil.
//   - purpose: The declared purpose.
//
// Outputs:
//   - *Response: The response on success.
//   - error: *Error on any failure; no error is retried.
func (g *Gateway) Fetch(ctx context.Context, req *Request, purpose policy.Purpose) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.Gateway.Fetch",
		oteltrace.WithAttributes(attribute.String("purpose", purpose.String())),
	)
	defer span.End()

	resp, err := g.fetch(ctx, req, purpose)
	if err != nil {
		span.SetAttributes(attribute.String("code", string(CodeOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("status", resp.StatusCode))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (g *Gateway) fetch(ctx context.Context, req *Request, purpose policy.Purpose) (*Response, error) {
	if !g.networkAvailable.Load() {
		return nil, g.rejectUnavailable(ctx, req, purpose)
	}

	decision, err := g.evaluator.Evaluate(ctx, req, purpose)
	if err != nil {
		recordRejected(purpose.String(), decision.Code)
		g.publish(events.Event{
			Kind:      events.KindRequestBlocked,
			Host:      decision.Host,
			Purpose:   purpose.String(),
			Message:   decision.Reason,
			RequestID: decision.RequestID,
		})
		return nil, err
	}

	host := decision.Host
	cb := g.breakers.Get(host)
	if !cb.AllowRequest() {
		reason := fmt.Sprintf("Circuit for %s is open", host)
		if until := cb.OpenUntil(); !until.IsZero() {
			reason = fmt.Sprintf("Circuit for %s is open until %s", host, until.UTC().Format(time.RFC3339))
		}
		cerr := newError(CodeCircuitOpen, host, reason, nil)
		recordRejected(purpose.String(), CodeCircuitOpen)
		g.recordFailureEvent(ctx, decision, cerr, 0)
		return nil, cerr
	}

	start := time.Now()
	resp, err := g.send(ctx, req, decision)
	elapsed := time.Since(start)
	if err != nil {
		g.handleFailure(ctx, cb, decision, err, elapsed)
		return nil, err
	}
	g.handleSuccess(ctx, cb, decision, resp, elapsed)
	return resp, nil
}

// rejectUnavailable audits a request refused because the network is down.
func (g *Gateway) rejectUnavailable(ctx context.Context, req *Request, purpose policy.Purpose) error {
	d := NetworkDecision{
		RequestID: uuid.New().String(),
		Purpose:   purpose,
		Code:      CodeNetworkUnavailable,
		Reason:    "Network is unavailable",
		Timestamp: g.policy.Now(),
	}
	if req != nil {
		d.Method = req.Method
		if u, err := url.Parse(req.URL); err == nil {
			if h, err := netclass.NormalizeHost(u.Hostname()); err == nil {
				d.Host = h
			}
			d.Path = u.Path
		}
	}
	g.recorder.Record(ctx, attemptEvent(ctx, d))
	recordRejected(purpose.String(), CodeNetworkUnavailable)
	return newError(CodeNetworkUnavailable, d.Host, d.Reason, nil)
}

// send performs the hardened transport call for an allowed decision.
func (g *Gateway) send(ctx context.Context, req *Request, d NetworkDecision) (*Response, error) {
	ep := *d.Endpoint
	target := d.URL()

	ctx, cancelTimeout := context.WithTimeout(ctx, ep.Timeout())
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	header := make(http.Header, len(req.Header)+1)
	for k, v := range req.Header {
		header[k] = append([]string(nil), v...)
	}
	for _, h := range strippedRequestHeaders {
		header.Del(h)
	}
	header.Set("User-Agent", UserAgent)

	body, redacted := g.redactBody(ctx, d, header.Get("Content-Type"), req.Body)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, d.Method, target.String(), bodyReader)
	if err != nil {
		return nil, newError(CodeInvalidURL, d.Host, "Request could not be built", err)
	}
	httpReq.Header = header

	client := &http.Client{
		Transport:     g.pool.get(ep, g.policy.Snapshot()),
		CheckRedirect: NewRedirectValidator(ep, target).CheckRedirect,
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, g.classify(ctx, d.Host, err)
	}
	defer httpResp.Body.Close()

	collector := NewStreamingCollector(d.Host, ep.ResponseLimit(), cancel, func(reason string) {
		g.recorder.Record(ctx, audit.Event{
			Type:      audit.EventResponseTruncated,
			Timestamp: g.policy.Now(),
			RequestID: d.RequestID,
			Purpose:   d.Purpose.String(),
			Host:      d.Host,
			Allowed:   true,
			Code:      string(CodeResponseTooLarge),
			Reason:    reason,
			TraceID:   traceID(ctx),
		})
		g.publish(events.Event{
			Kind:      events.KindResponseTruncated,
			Host:      d.Host,
			Purpose:   d.Purpose.String(),
			Message:   reason,
			RequestID: d.RequestID,
		})
	})
	// A HEAD response advertises the length of a body it never sends.
	if httpReq.Method != http.MethodHead {
		if err := collector.Expect(httpResp.ContentLength); err != nil {
			return nil, err
		}
	}
	if _, err := io.Copy(collector, httpResp.Body); err != nil {
		if cerr := collector.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, g.classify(ctx, d.Host, err)
	}

	respHeader := httpResp.Header.Clone()
	respHeader.Del("Set-Cookie")

	return &Response{
		RequestID:  d.RequestID,
		StatusCode: httpResp.StatusCode,
		Header:     respHeader,
		Body:       collector.Bytes(),
		Decision:   d,
		Redacted:   redacted,
		Duration:   time.Since(start),
	}, nil
}

// redactBody runs the redactor over JSON-like bodies. Bodies that are not
// JSON, or fail to parse, are sent unchanged.
func (g *Gateway) redactBody(ctx context.Context, d NetworkDecision, contentType string, body []byte) ([]byte, bool) {
	if len(body) == 0 || !redact.IsJSONLike(contentType, body) {
		return body, false
	}
	res, err := g.redactor.RedactDetailed(body)
	if err != nil {
		g.logger.Debug("egress body not redacted",
			slog.String("request_id", d.RequestID),
			slog.String("host", d.Host),
			slog.String("error", err.Error()),
		)
		return body, false
	}
	if !res.Redacted {
		return body, false
	}

	recordRedactions(res.Labels)
	g.recorder.Record(ctx, audit.Event{
		Type:         audit.EventPayloadRedaction,
		Timestamp:    g.policy.Now(),
		RequestID:    d.RequestID,
		Purpose:      d.Purpose.String(),
		Host:         d.Host,
		Method:       d.Method,
		Path:         d.Path,
		Allowed:      true,
		DigestBefore: audit.Digest(body),
		DigestAfter:  audit.Digest(res.Body),
		Labels:       res.Labels,
		TraceID:      traceID(ctx),
	})
	g.publish(events.Event{
		Kind:      events.KindPayloadRedacted,
		Host:      d.Host,
		Purpose:   d.Purpose.String(),
		Message:   fmt.Sprintf("Sensitive content was removed from a request to %s", d.Host),
		RequestID: d.RequestID,
	})
	return res.Body, true
}

// classify maps a transport error onto the error taxonomy.
//
// Description:
//
//	Order matters: a typed error from a validator or the dial guard wins,
//	then a typed cancellation cause, then deadline and cancellation, then
//	certificate verification failures. Anything else is transportFailed.
func (g *Gateway) classify(ctx context.Context, host string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.As(context.Cause(ctx), &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTransportFailed, host, fmt.Sprintf("Request to %s timed out", host), err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(CodeTransportFailed, host, fmt.Sprintf("Request to %s was cancelled", host), err)
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return newError(CodeTrustFailed, host, fmt.Sprintf("Certificate for %s failed verification", host), err)
	}
	return newError(CodeTransportFailed, host, fmt.Sprintf("Request to %s failed", host), err)
}

func (g *Gateway) handleFailure(ctx context.Context, cb *breaker.CircuitBreaker, d NetworkDecision, err error, elapsed time.Duration) {
	code := CodeOf(err)
	recordFailed(d.Purpose.String(), code)

	if code == CodeRedirectBlocked {
		var e *Error
		errors.As(err, &e)
		g.recorder.Record(ctx, audit.Event{
			Type:      audit.EventRedirectBlocked,
			Timestamp: g.policy.Now(),
			RequestID: d.RequestID,
			Purpose:   d.Purpose.String(),
			Host:      d.Host,
			Code:      string(code),
			Reason:    e.Reason,
			TraceID:   traceID(ctx),
		})
		g.publish(events.Event{
			Kind:      events.KindRedirectBlocked,
			Host:      d.Host,
			Purpose:   d.Purpose.String(),
			Message:   e.Reason,
			RequestID: d.RequestID,
		})
	}
	g.recordFailureEvent(ctx, d, err, elapsed)

	if !cb.RecordFailure() {
		return
	}
	recordCircuitTransition("open")
	until := cb.OpenUntil()
	g.logger.Warn("egress circuit opened",
		slog.String("host", d.Host),
		slog.Time("until", until),
	)
	g.recorder.Record(ctx, audit.Event{
		Type:        audit.EventCircuitTripped,
		Timestamp:   cb.LastTrippedAt(),
		RequestID:   d.RequestID,
		Host:        d.Host,
		CooldownSec: int64(cb.Cooldown() / time.Second),
		TraceID:     traceID(ctx),
	})
	g.recorder.Record(ctx, audit.Event{
		Type:      audit.EventCircuitOpened,
		Timestamp: g.policy.Now(),
		Host:      d.Host,
		Until:     until,
		TraceID:   traceID(ctx),
	})
	g.publish(events.Event{
		Kind:    events.KindCircuitOpened,
		Host:    d.Host,
		Message: fmt.Sprintf("Requests to %s are paused until %s", d.Host, until.UTC().Format(time.RFC3339)),
	})
}

func (g *Gateway) handleSuccess(ctx context.Context, cb *breaker.CircuitBreaker, d NetworkDecision, resp *Response, elapsed time.Duration) {
	if cb.RecordSuccess() {
		recordCircuitTransition("closed")
		g.logger.Info("egress circuit closed", slog.String("host", d.Host))
		g.recorder.Record(ctx, audit.Event{
			Type:      audit.EventCircuitClosed,
			Timestamp: g.policy.Now(),
			Host:      d.Host,
			TraceID:   traceID(ctx),
		})
		g.publish(events.Event{
			Kind:    events.KindCircuitClosed,
			Host:    d.Host,
			Message: fmt.Sprintf("Requests to %s have resumed", d.Host),
		})
	}

	recordAllowed(d.Purpose.String(), d.Host, elapsed.Seconds(), len(resp.Body))
	g.recorder.Record(ctx, audit.Event{
		Type:       audit.EventNetworkResponse,
		Timestamp:  g.policy.Now(),
		RequestID:  d.RequestID,
		Purpose:    d.Purpose.String(),
		Host:       d.Host,
		Method:     d.Method,
		Path:       d.Path,
		Allowed:    true,
		Status:     resp.StatusCode,
		Bytes:      int64(len(resp.Body)),
		DurationMs: elapsed.Milliseconds(),
		TraceID:    traceID(ctx),
	})
}

func (g *Gateway) recordFailureEvent(ctx context.Context, d NetworkDecision, err error, elapsed time.Duration) {
	ev := audit.Event{
		Type:       audit.EventNetworkFailure,
		Timestamp:  g.policy.Now(),
		RequestID:  d.RequestID,
		Purpose:    d.Purpose.String(),
		Host:       d.Host,
		Method:     d.Method,
		Path:       d.Path,
		Allowed:    true,
		Code:       string(CodeOf(err)),
		DurationMs: elapsed.Milliseconds(),
		TraceID:    traceID(ctx),
	}
	var e *Error
	if errors.As(err, &e) {
		ev.Reason = e.Reason
	} else {
		ev.Reason = err.Error()
	}
	g.recorder.Record(ctx, ev)
}

func (g *Gateway) publish(e events.Event) {
	if g.bus == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = g.policy.Now()
	}
	g.bus.Publish(e)
}

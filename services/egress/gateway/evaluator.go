// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianEgress/services/egress/audit"
	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

// ReasonAllowed is the reason recorded for permitted requests.
const ReasonAllowed = "Allowed"

const tracerName = "aleutian.egress"

// PolicyReader is the read side of the policy store.
//
// *policy.Store satisfies it.
type PolicyReader interface {
	Snapshot() *policy.Snapshot
	Now() time.Time
}

// NetworkDecision is the outcome of evaluating one request.
//
// Description:
//
//	Decisions are values and are never modified after Evaluate returns.
//	Host is empty when evaluation stopped before the host was known, and
//	Endpoint is nil unless an endpoint policy matched. Reason is always
//	set, to ReasonAllowed on success.
type NetworkDecision struct {
	RequestID string
	Purpose   policy.Purpose
	Host      string
	Endpoint  *policy.EndpointPolicy
	Method    string
	Path      string
	Reason    string
	Code      Code
	Allowed   bool
	Timestamp time.Time

	url *url.URL
}

// URL returns the parsed request URL, or nil if parsing failed.
func (d NetworkDecision) URL() *url.URL {
	if d.url == nil {
		return nil
	}
	u := *d.url
	return &u
}

// Evaluator applies the egress policy to a request.
//
// Description:
//
//	Checks run in a fixed order and the first failing check decides the
//	outcome:
//	  1. purpose enabled
//	  2. URL parses
//	  3. scheme is https
//	  4. host present
//	  5. host is not an IP literal
//	  6. host is not a localhost name
//	  7. host is not in a private, loopback or link-local range
//	  8. host has an endpoint policy
//	  9. endpoint requires this purpose
//	  10. method allowed
//	  11. path under an allowed prefix
//
//	IP literals in non-public ranges are reported as localNetworkBlocked;
//	their error still matches ErrIPLiteralBlocked. Every outcome is
//	recorded as a network-attempt audit event before Evaluate returns.
//
// Thread Safety: Safe for concurrent use.
type Evaluator struct {
	policy   PolicyReader
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator.
//
// Inputs:
//   - reader: Policy source. Must not be nil.
//   - recorder: Audit sink. Nil discards events.
//   - logger: Nil uses slog.Default().
func NewEvaluator(reader PolicyReader, recorder audit.Recorder, logger *slog.Logger) (*Evaluator, error) {
	if reader == nil {
		return nil, fmt.Errorf("egress evaluator: policy reader must not be nil")
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		policy:   reader,
		recorder: recorder,
		logger:   logger.With("component", "egress.evaluator"),
	}, nil
}

// Evaluate decides whether req may be sent for purpose.
//
// Inputs:
//   - ctx: Context for tracing and audit.
//   - req: The request. Must not be nil.
//   - purpose: The declared purpose.
//
// Outputs:
//   - NetworkDecision: The decision, allowed or not.
//   - error: *Error when the decision is a rejection, nil otherwise.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request, purpose policy.Purpose) (NetworkDecision, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.Evaluator.Evaluate",
		oteltrace.WithAttributes(attribute.String("purpose", purpose.String())),
	)
	defer span.End()

	decision, err := e.evaluate(req, purpose)

	span.SetAttributes(
		attribute.String("request_id", decision.RequestID),
		attribute.String("host", decision.Host),
		attribute.Bool("allowed", decision.Allowed),
	)
	if err != nil {
		span.SetAttributes(attribute.String("code", string(decision.Code)))
		span.SetStatus(codes.Error, decision.Reason)
	}

	e.recorder.Record(ctx, attemptEvent(ctx, decision))
	if !decision.Allowed {
		e.logger.Debug("egress request rejected",
			slog.String("request_id", decision.RequestID),
			slog.String("code", string(decision.Code)),
			slog.String("reason", decision.Reason),
		)
	}
	return decision, err
}

func (e *Evaluator) evaluate(req *Request, purpose policy.Purpose) (NetworkDecision, error) {
	snap := e.policy.Snapshot()
	d := NetworkDecision{
		RequestID: uuid.New().String(),
		Purpose:   purpose,
		Timestamp: e.policy.Now(),
	}
	if req == nil {
		return reject(d, CodeInvalidURL, "Request is missing", nil)
	}
	d.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if d.Method == "" {
		d.Method = http.MethodGet
	}

	// 1. purpose
	if !purpose.Valid() {
		return reject(d, CodePurposeDisabled, fmt.Sprintf("Unknown purpose %q", string(purpose)), nil)
	}
	if !snap.IsPurposeEnabled(purpose, d.Timestamp) {
		return reject(d, CodePurposeDisabled, fmt.Sprintf("Purpose %s is not enabled", purpose), nil)
	}

	// 2. URL
	if strings.TrimSpace(req.URL) == "" {
		return reject(d, CodeInvalidURL, "URL is empty", nil)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return reject(d, CodeInvalidURL, "URL could not be parsed", err)
	}
	d.url = u
	d.Path = u.Path
	if d.Path == "" {
		d.Path = "/"
	}
	if u.User != nil {
		return reject(d, CodeInvalidURL, "URL must not carry credentials", nil)
	}

	// 3. scheme
	if u.Scheme != "https" {
		return reject(d, CodeSchemeNotAllowed, fmt.Sprintf("Scheme %q is not allowed, only https", u.Scheme), nil)
	}

	// 4. host
	rawHost := u.Hostname()
	if rawHost == "" {
		return reject(d, CodeHostNotAllowed, "URL has no host", nil)
	}
	host, err := netclass.NormalizeHost(rawHost)
	if err != nil {
		return reject(d, CodeInvalidURL, fmt.Sprintf("Host %q is not a valid hostname", rawHost), err)
	}
	d.Host = host

	// 5 and 7. IP literals, private ranges reported as local network.
	if addr, ok := netclass.ParseHostIP(host); ok {
		if netclass.IsNonPublic(addr) {
			return reject(d, CodeLocalNetworkBlocked,
				fmt.Sprintf("Host %s is a private, loopback or link-local address", host), ErrIPLiteralBlocked)
		}
		return reject(d, CodeIPLiteralBlocked, fmt.Sprintf("Host %s is an IP literal", host), nil)
	}

	// 6. localhost names
	if netclass.IsLocalHostname(host) {
		return reject(d, CodeLocalNetworkBlocked, fmt.Sprintf("Host %s refers to the local machine", host), nil)
	}

	// 8. endpoint
	ep, ok := snap.Endpoint(host)
	if !ok {
		return reject(d, CodeHostNotAllowed, fmt.Sprintf("Host %s is not in the endpoint allowlist", host), nil)
	}
	d.Endpoint = &ep

	// 9. endpoint purpose
	if ep.RequiredPurpose != purpose {
		return reject(d, CodePurposeDisabled,
			fmt.Sprintf("Host %s requires purpose %s, request declared %s", host, displayPurpose(ep.RequiredPurpose), purpose), nil)
	}

	// 10. method
	if !ep.AllowsMethod(d.Method) {
		return reject(d, CodeMethodNotAllowed, fmt.Sprintf("Method %s is not allowed for %s", d.Method, host), nil)
	}

	// 11. path, checked as sent and after dot-segment removal
	if !ep.AllowsPath(d.Path) || !ep.AllowsPath(cleanPath(d.Path)) {
		return reject(d, CodePathNotAllowed, fmt.Sprintf("Path %s is not allowed for %s", d.Path, host), nil)
	}

	d.Allowed = true
	d.Reason = ReasonAllowed
	return d, nil
}

func reject(d NetworkDecision, code Code, reason string, cause error) (NetworkDecision, error) {
	d.Allowed = false
	d.Code = code
	d.Reason = reason
	return d, newError(code, d.Host, reason, cause)
}

// cleanPath resolves dot segments, keeping a trailing slash.
func cleanPath(p string) string {
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func displayPurpose(p policy.Purpose) string {
	if p == "" {
		return "(none)"
	}
	return p.String()
}

// attemptEvent converts a decision into its network-attempt audit event.
func attemptEvent(ctx context.Context, d NetworkDecision) audit.Event {
	return audit.Event{
		Type:      audit.EventNetworkAttempt,
		Timestamp: d.Timestamp,
		RequestID: d.RequestID,
		Purpose:   d.Purpose.String(),
		Host:      d.Host,
		Method:    d.Method,
		Path:      d.Path,
		Allowed:   d.Allowed,
		Code:      string(d.Code),
		Reason:    d.Reason,
		TraceID:   traceID(ctx),
	}
}

func traceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

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
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/AleutianEgress/services/egress/audit"
	"github.com/AleutianAI/AleutianEgress/services/egress/breaker"
	"github.com/AleutianAI/AleutianEgress/services/egress/events"
	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

// fakeGateway wires a gateway to a counting transport.
type fakeGateway struct {
	gw        *Gateway
	store     *policy.Store
	transport *countingTransport
	audit     *audit.Memory
	bus       *events.Bus
	clock     *testClock
}

func newFakeGateway(t *testing.T, purposes []policy.Purpose, eps ...policy.EndpointPolicy) *fakeGateway {
	t.Helper()
	clock := newTestClock()
	store := newTestStore(t, clock, purposes, eps...)
	ct := &countingTransport{}
	mem := audit.NewMemory()
	bus := events.NewBus(32, nil)
	t.Cleanup(bus.Close)

	gw, err := New(store,
		WithRecorder(mem),
		WithEventBus(bus),
		WithTransportFactory(ct.factory()),
		WithBreakers(breaker.NewRegistry(breaker.Config{Now: clock.Now})),
	)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return &fakeGateway{gw: gw, store: store, transport: ct, audit: mem, bus: bus, clock: clock}
}

func nextEvent(t *testing.T, sub events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event published", kind)
			return events.Event{}
		}
	}
}

func TestNew_NilReader(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestFetch_EndToEndScenario(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	ctx := context.Background()

	resp, err := f.gw.Fetch(ctx, &Request{
		URL:    "https://api.example.com/v1/generate",
		Method: http.MethodPost,
		Body:   []byte(`{"prompt":"hello"}`),
		Header: http.Header{"Content-Type": []string{"application/json"}},
	}, policy.PurposeCloudInference)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, resp.RequestID, resp.Decision.RequestID)
	assert.False(t, resp.Redacted)

	rejected := []struct {
		url    string
		method string
		want   Code
	}{
		{"https://api.example.com/v1/generate", http.MethodGet, CodeMethodNotAllowed},
		{"https://api.example.com/v2/generate", http.MethodPost, CodePathNotAllowed},
		{"https://evil.example.com/v1/generate", http.MethodPost, CodeHostNotAllowed},
	}
	for _, r := range rejected {
		_, err := f.gw.Fetch(ctx, &Request{URL: r.url, Method: r.method}, policy.PurposeCloudInference)
		assert.Equal(t, r.want, CodeOf(err), r.url)
	}

	assert.Equal(t, int32(1), f.transport.calls.Load(), "rejected requests must not reach the transport")
	assert.Len(t, f.audit.OfType(audit.EventNetworkAttempt), 4)
	assert.Len(t, f.audit.OfType(audit.EventNetworkResponse), 1)
}

func TestFetch_IPLiteralsNeverReachTransport(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())

	for _, u := range []string{"https://8.8.8.8/v1/x", "https://127.0.0.1/v1/x", "https://[::1]/v1/x", "https://2130706433/v1/x"} {
		_, err := f.gw.Fetch(context.Background(), &Request{URL: u, Method: http.MethodPost}, policy.PurposeCloudInference)
		require.Error(t, err, u)
		assert.True(t, errors.Is(err, ErrIPLiteralBlocked), u)
	}
	assert.Equal(t, int32(0), f.transport.calls.Load())
}

func TestFetch_RejectionPublishesBlockedEvent(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	sub := f.bus.Subscribe()

	_, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://evil.example.com/v1/x", Method: http.MethodPost}, policy.PurposeCloudInference)
	require.Error(t, err)

	e := nextEvent(t, sub, events.KindRequestBlocked)
	assert.Equal(t, "evil.example.com", e.Host)
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ge.Reason, e.Message)
}

func TestFetch_HardensRequest(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		resp := textResponse(r, http.StatusOK, `{"ok":true}`)
		resp.Header.Add("Set-Cookie", "session=abc")
		resp.Header.Set("X-Request-Id", "srv-1")
		return resp, nil
	}
	sub := f.bus.Subscribe()

	body := `{"messages":[{"role":"user","content":"mail me at jane.doe@example.org"}]}`
	resp, err := f.gw.Fetch(context.Background(), &Request{
		URL:    "https://api.example.com/v1/generate",
		Method: http.MethodPost,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Cookie":       []string{"sid=1"},
			"Cookie2":      []string{"legacy"},
			"User-Agent":   []string{"curl/8"},
			"X-Trace":      []string{"t1"},
		},
		Body: []byte(body),
	}, policy.PurposeCloudInference)
	require.NoError(t, err)
	assert.True(t, resp.Redacted)
	assert.Empty(t, resp.Header.Values("Set-Cookie"))
	assert.Equal(t, "srv-1", resp.Header.Get("X-Request-Id"))

	sent, sentBody := f.transport.lastRequest()
	require.NotNil(t, sent)
	assert.Empty(t, sent.Header.Get("Cookie"))
	assert.Empty(t, sent.Header.Get("Cookie2"))
	assert.Equal(t, UserAgent, sent.Header.Get("User-Agent"))
	assert.Equal(t, "t1", sent.Header.Get("X-Trace"))
	assert.NotContains(t, string(sentBody), "jane.doe@example.org")
	assert.Contains(t, string(sentBody), "[REDACTED:email]")

	redactions := f.audit.OfType(audit.EventPayloadRedaction)
	require.Len(t, redactions, 1)
	assert.Equal(t, audit.Digest([]byte(body)), redactions[0].DigestBefore)
	assert.Equal(t, audit.Digest(sentBody), redactions[0].DigestAfter)
	assert.Equal(t, 1, redactions[0].Labels["email"])

	e := nextEvent(t, sub, events.KindPayloadRedacted)
	assert.Equal(t, "api.example.com", e.Host)
}

func TestFetch_MalformedJSONSentUnchanged(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	body := `{"broken": "jane.doe@example.org"`

	resp, err := f.gw.Fetch(context.Background(), &Request{
		URL:    "https://api.example.com/v1/generate",
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	}, policy.PurposeCloudInference)
	require.NoError(t, err)
	assert.False(t, resp.Redacted)

	_, sentBody := f.transport.lastRequest()
	assert.Equal(t, body, string(sentBody))
	assert.Empty(t, f.audit.OfType(audit.EventPayloadRedaction))
}

func TestFetch_NonJSONBodyNotRedacted(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	body := "contact jane.doe@example.org"

	_, err := f.gw.Fetch(context.Background(), &Request{
		URL:    "https://api.example.com/v1/generate",
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, policy.PurposeCloudInference)
	require.NoError(t, err)
	_, sentBody := f.transport.lastRequest()
	assert.Equal(t, body, string(sentBody))
}

func TestFetch_NetworkUnavailable(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	sub := f.bus.Subscribe()

	f.gw.SetNetworkAvailable(false)
	assert.False(t, f.gw.NetworkAvailable())
	status := nextEvent(t, sub, events.KindNetworkStatus)
	assert.Equal(t, "Network is unavailable", status.Message)

	_, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/generate", Method: http.MethodPost}, policy.PurposeCloudInference)
	assert.Equal(t, CodeNetworkUnavailable, CodeOf(err))
	assert.True(t, errors.Is(err, ErrNetworkUnavailable))
	assert.Equal(t, int32(0), f.transport.calls.Load())

	attempts := f.audit.OfType(audit.EventNetworkAttempt)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Allowed)
	assert.Equal(t, string(CodeNetworkUnavailable), attempts[0].Code)
	assert.Equal(t, "api.example.com", attempts[0].Host)

	f.gw.SetNetworkAvailable(true)
	_, err = f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/generate", Method: http.MethodPost}, policy.PurposeCloudInference)
	assert.NoError(t, err)
}

func TestFetch_CircuitTripsAfterThreeFailures(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	failing := true
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		if failing {
			return nil, errors.New("connection refused")
		}
		return textResponse(r, http.StatusOK, "ok"), nil
	}
	sub := f.bus.Subscribe()
	req := &Request{URL: "https://api.example.com/v1/generate", Method: http.MethodPost}
	ctx := context.Background()

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		_, err := f.gw.Fetch(ctx, req, policy.PurposeCloudInference)
		assert.Equal(t, CodeTransportFailed, CodeOf(err))
	}
	assert.Len(t, f.audit.OfType(audit.EventNetworkFailure), 3)

	tripped := f.audit.OfType(audit.EventCircuitTripped)
	require.Len(t, tripped, 1)
	assert.Equal(t, int64(breaker.DefaultCooldown/time.Second), tripped[0].CooldownSec)
	opened := f.audit.OfType(audit.EventCircuitOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, f.clock.Now().Add(breaker.DefaultCooldown), opened[0].Until)
	nextEvent(t, sub, events.KindCircuitOpened)

	_, err := f.gw.Fetch(ctx, req, policy.PurposeCloudInference)
	assert.Equal(t, CodeCircuitOpen, CodeOf(err))
	assert.Equal(t, int32(3), f.transport.calls.Load(), "open circuit must not call the transport")

	failing = false
	f.clock.Advance(breaker.DefaultCooldown)
	resp, err := f.gw.Fetch(ctx, req, policy.PurposeCloudInference)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, f.audit.OfType(audit.EventCircuitClosed), 1)
	nextEvent(t, sub, events.KindCircuitClosed)
	assert.Equal(t, breaker.StateClosed, f.gw.Breakers().Get("api.example.com").State())
}

func TestFetch_CancelledContextIsFailure(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.gw.Fetch(ctx, &Request{URL: "https://api.example.com/v1/generate", Method: http.MethodPost},
		policy.PurposeCloudInference)
	assert.Equal(t, CodeTransportFailed, CodeOf(err))
	assert.Equal(t, 1, f.gw.Breakers().Get("api.example.com").Failures())
}

func TestFetch_CrossHostRedirectNeverFollowed(t *testing.T) {
	api := apiEndpoint()
	api.AllowRedirects = true
	other := policy.NewEndpointPolicy("other.example.com", policy.PurposeSDKTelemetry)
	other.AllowedPathPrefixes = []string{"/v1/"}
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference, policy.PurposeSDKTelemetry}, api, other)
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		if r.URL.Host == "api.example.com" {
			return redirectResponse(r, http.StatusFound, "https://other.example.com/v1/collect"), nil
		}
		return textResponse(r, http.StatusOK, "should not be reached"), nil
	}
	sub := f.bus.Subscribe()

	_, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/generate", Method: http.MethodPost}, policy.PurposeCloudInference)
	assert.Equal(t, CodeRedirectBlocked, CodeOf(err))
	assert.Equal(t, int32(1), f.transport.calls.Load())

	blocked := f.audit.OfType(audit.EventRedirectBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "api.example.com", blocked[0].Host)
	nextEvent(t, sub, events.KindRedirectBlocked)
	assert.Equal(t, 1, f.gw.Breakers().Get("api.example.com").Failures())
}

func TestFetch_SameHostRedirectFollowed(t *testing.T) {
	api := apiEndpoint()
	api.AllowRedirects = true
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, api)
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/v1/old" {
			return redirectResponse(r, http.StatusTemporaryRedirect, "/v1/new"), nil
		}
		return textResponse(r, http.StatusOK, "moved"), nil
	}

	resp, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/old", Method: http.MethodPost}, policy.PurposeCloudInference)
	require.NoError(t, err)
	assert.Equal(t, "moved", string(resp.Body))
	assert.Equal(t, int32(2), f.transport.calls.Load())
}

func TestFetch_RedirectRewritingMethodBlocked(t *testing.T) {
	api := apiEndpoint()
	api.AllowRedirects = true
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, api)
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/v1/old" {
			return redirectResponse(r, http.StatusFound, "/v1/new"), nil
		}
		return textResponse(r, http.StatusOK, "moved"), nil
	}

	_, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/old", Method: http.MethodPost}, policy.PurposeCloudInference)
	assert.Equal(t, CodeRedirectBlocked, CodeOf(err))
	assert.Equal(t, int32(1), f.transport.calls.Load())
}

func TestFetch_HeadIgnoresAdvertisedLength(t *testing.T) {
	api := apiEndpoint()
	api.AllowedMethods = []string{http.MethodHead}
	api.MaxResponseBytes = 1024
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, api)
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		resp := textResponse(r, http.StatusOK, "")
		resp.ContentLength = 1 << 30
		return resp, nil
	}

	resp, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/models", Method: http.MethodHead}, policy.PurposeCloudInference)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Body)
	assert.Empty(t, f.audit.OfType(audit.EventResponseTruncated))
}

func TestFetch_ServerErrorIsNotBreakerFailure(t *testing.T) {
	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	f.transport.handler = func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusBadGateway, "upstream down"), nil
	}

	resp, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/generate", Method: http.MethodPost}, policy.PurposeCloudInference)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 0, f.gw.Breakers().Get("api.example.com").Failures())
}

func TestFetch_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	f := newFakeGateway(t, []policy.Purpose{policy.PurposeCloudInference}, apiEndpoint())
	_, err := f.gw.Fetch(context.Background(),
		&Request{URL: "https://api.example.com/v1/generate", Method: http.MethodPost}, policy.PurposeCloudInference)
	require.NoError(t, err)

	names := map[string]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		names[s.Name] = s
	}
	fetch, ok := names["gateway.Gateway.Fetch"]
	require.True(t, ok)
	eval, ok := names["gateway.Evaluator.Evaluate"]
	require.True(t, ok)
	assert.Equal(t, fetch.SpanContext.TraceID(), eval.Parent.TraceID())
	assert.Equal(t, fetch.SpanContext.SpanID(), eval.Parent.SpanID())

	resp := f.audit.OfType(audit.EventNetworkResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, fetch.SpanContext.TraceID().String(), resp[0].TraceID)
}

// tlsGateway points a gateway at an httptest TLS server posing as
// example.com, whose test certificate covers that name.
func tlsGateway(t *testing.T, handler http.Handler, ep policy.EndpointPolicy, trustServer bool, opts ...Option) (*Gateway, *audit.Memory) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().String()
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	store := newTestStore(t, nil, []policy.Purpose{ep.RequiredPurpose}, ep)
	mem := audit.NewMemory()

	all := []Option{WithRecorder(mem), WithDialContext(dial)}
	if trustServer {
		roots := x509.NewCertPool()
		roots.AddCert(srv.Certificate())
		all = append(all, WithRootCAs(roots))
	}
	gw, err := New(store, append(all, opts...)...)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return gw, mem
}

func exampleEndpoint() policy.EndpointPolicy {
	ep := policy.NewEndpointPolicy("example.com", policy.PurposeWebContentRetrieval)
	ep.AllowedPathPrefixes = []string{"/"}
	return ep
}

func fetchExample(gw *Gateway) (*Response, error) {
	return gw.Fetch(context.Background(), &Request{URL: "https://example.com/page"}, policy.PurposeWebContentRetrieval)
}

func TestFetchTLS_Success(t *testing.T) {
	gw, mem := tlsGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.UserAgent())
		w.Write([]byte("hello"))
	}), exampleEndpoint(), true)

	resp, err := fetchExample(gw)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.Body))

	responses := mem.OfType(audit.EventNetworkResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, int64(5), responses[0].Bytes)
	assert.Equal(t, http.StatusOK, responses[0].Status)
}

func TestFetchTLS_UntrustedChain(t *testing.T) {
	gw, _ := tlsGateway(t, http.NotFoundHandler(), exampleEndpoint(), false)
	_, err := fetchExample(gw)
	assert.Equal(t, CodeTrustFailed, CodeOf(err))
}

func TestFetchTLS_Pinning(t *testing.T) {
	probe := httptest.NewTLSServer(http.NotFoundHandler())
	srvCert := probe.Certificate()
	probe.Close()

	ok := exampleEndpoint()
	ok.PinnedPublicKeyHashes = []string{SPKIHash(srvCert.RawSubjectPublicKeyInfo)}
	gw, _ := tlsGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pinned"))
	}), ok, true)
	resp, err := fetchExample(gw)
	require.NoError(t, err)
	assert.Equal(t, "pinned", string(resp.Body))

	bad := exampleEndpoint()
	bad.PinnedPublicKeyHashes = []string{SPKIHash([]byte("another key"))}
	gw, _ = tlsGateway(t, http.NotFoundHandler(), bad, true)
	_, err = fetchExample(gw)
	assert.Equal(t, CodePinningFailed, CodeOf(err))
	assert.True(t, errors.Is(err, ErrPinningFailed))
}

func TestFetchTLS_PlatformTrust(t *testing.T) {
	ep := exampleEndpoint()
	ep.RequiresPlatformTrust = true

	gw, _ := tlsGateway(t, http.NotFoundHandler(), ep, true)
	_, err := fetchExample(gw)
	assert.Equal(t, CodeTrustFailed, CodeOf(err))

	gw, _ = tlsGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("first-party"))
	}), ep, true, WithTrustClassifier(netclass.NewTrustClassifier("example.com")))
	resp, err := fetchExample(gw)
	require.NoError(t, err)
	assert.Equal(t, "first-party", string(resp.Body))
}

func TestFetchTLS_ResponseTooLarge(t *testing.T) {
	ep := exampleEndpoint()
	ep.MaxResponseBytes = 1024

	t.Run("advertised length", func(t *testing.T) {
		gw, mem := tlsGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Length", "4096")
			w.Write([]byte(strings.Repeat("a", 4096)))
		}), ep, true)
		_, err := fetchExample(gw)
		assert.Equal(t, CodeResponseTooLarge, CodeOf(err))
		assert.Len(t, mem.OfType(audit.EventResponseTruncated), 1)
	})

	t.Run("chunked", func(t *testing.T) {
		gw, mem := tlsGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			flusher := w.(http.Flusher)
			for i := 0; i < 8; i++ {
				w.Write([]byte(strings.Repeat("b", 512)))
				flusher.Flush()
			}
		}), ep, true)
		_, err := fetchExample(gw)
		assert.Equal(t, CodeResponseTooLarge, CodeOf(err))
		truncated := mem.OfType(audit.EventResponseTruncated)
		require.Len(t, truncated, 1)
		assert.Equal(t, "example.com", truncated[0].Host)
		assert.Equal(t, 1, gw.Breakers().Get("example.com").Failures())
	})
}

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
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

// testClock is a settable clock shared by the store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// apiEndpoint is the endpoint used by the end-to-end scenario.
func apiEndpoint() policy.EndpointPolicy {
	ep := policy.NewEndpointPolicy("api.example.com", policy.PurposeCloudInference)
	ep.AllowedMethods = []string{http.MethodPost}
	ep.AllowedPathPrefixes = []string{"/v1/"}
	return ep
}

// newTestStore builds an in-memory store with purposes enabled indefinitely.
func newTestStore(t *testing.T, clock *testClock, purposes []policy.Purpose, eps ...policy.EndpointPolicy) *policy.Store {
	t.Helper()
	ctx := context.Background()
	opts := []policy.StoreOption{}
	if clock != nil {
		opts = append(opts, policy.WithClock(clock.Now))
	}
	store, err := policy.NewStore(ctx, policy.NewMemoryBackend(nil), opts...)
	require.NoError(t, err)
	for _, p := range purposes {
		require.NoError(t, store.EnablePurpose(ctx, p, 0))
	}
	for _, ep := range eps {
		require.NoError(t, store.UpsertEndpoint(ctx, ep))
	}
	return store
}

// countingTransport is a RoundTripper that counts calls and answers with
// handler (or a 200 "ok" when handler is nil).
type countingTransport struct {
	calls   atomic.Int32
	handler func(*http.Request) (*http.Response, error)

	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}
	c.mu.Lock()
	c.requests = append(c.requests, r)
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
	if c.handler != nil {
		return c.handler(r)
	}
	return textResponse(r, http.StatusOK, "ok"), nil
}

func (c *countingTransport) factory() TransportFactory {
	return func(policy.EndpointPolicy, *tls.Config, DialContextFunc) http.RoundTripper {
		return c
	}
}

func (c *countingTransport) lastRequest() (*http.Request, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil, nil
	}
	return c.requests[len(c.requests)-1], c.bodies[len(c.bodies)-1]
}

func textResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

func redirectResponse(r *http.Request, status int, location string) *http.Response {
	resp := textResponse(r, status, "")
	resp.Header.Set("Location", location)
	return resp
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, initial string) (*Store, *MemoryBackend, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	var seed []byte
	if initial != "" {
		seed = []byte(initial)
	}
	backend := NewMemoryBackend(seed)
	store, err := NewStore(context.Background(), backend, WithClock(clock.Now))
	require.NoError(t, err)
	return store, backend, clock
}

func TestNewStore_SkipsInvalidEndpoints(t *testing.T) {
	store, _, _ := newTestStore(t, `{
		"enabledPurposes": ["cloud-inference"],
		"endpoints": [
			{"host": "api.example.com", "requiredPurpose": "cloud-inference"},
			{"host": "bad host!", "requiredPurpose": "cloud-inference"},
			{"host": "nopurpose.example.com"}
		]
	}`)

	eps := store.Snapshot().Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "api.example.com", eps[0].Host)
	assert.True(t, store.IsPurposeEnabled(PurposeCloudInference))
}

func TestNewStore_ExpiredAndUnreadableExpiryStayDisabled(t *testing.T) {
	store, _, clock := newTestStore(t, `{
		"enabledPurposes": ["cloud-inference", "sdk-telemetry"],
		"purposeExpiry": {"sdk-telemetry": 1772366400, "cloud-inference": "2026-03-01T11:00:00Z"}
	}`)

	assert.True(t, store.IsPurposeEnabled(PurposeCloudInference))
	assert.False(t, store.IsPurposeEnabled(PurposeSDKTelemetry))

	clock.Advance(3 * time.Hour)
	assert.False(t, store.IsPurposeEnabled(PurposeCloudInference))
	assert.False(t, store.IsPurposeEnabled(PurposeSDKTelemetry))
}

func TestNewStore_NilBackend(t *testing.T) {
	_, err := NewStore(context.Background(), nil)
	assert.Error(t, err)
}

func TestStore_EnablePurposeWithTTL(t *testing.T) {
	store, backend, clock := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.EnablePurpose(ctx, PurposeWebContentRetrieval, 10*time.Minute))
	assert.True(t, store.IsPurposeEnabled(PurposeWebContentRetrieval))
	assert.Equal(t, 1, backend.Saves())

	clock.Advance(10 * time.Minute)
	assert.False(t, store.IsPurposeEnabled(PurposeWebContentRetrieval), "purpose should lapse at expiry")

	// Re-enabling without TTL clears the expiry.
	require.NoError(t, store.EnablePurpose(ctx, PurposeWebContentRetrieval, 0))
	clock.Advance(24 * time.Hour)
	assert.True(t, store.IsPurposeEnabled(PurposeWebContentRetrieval))
	_, hasExpiry := store.Snapshot().PurposeExpiry(PurposeWebContentRetrieval)
	assert.False(t, hasExpiry)
}

func TestStore_EnablePurposeForSession(t *testing.T) {
	store, _, clock := newTestStore(t, `{"defaultSessionMinutes": 5}`)
	ctx := context.Background()

	require.NoError(t, store.EnablePurposeForSession(ctx, PurposeCloudInference))
	until, ok := store.Snapshot().PurposeExpiry(PurposeCloudInference)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(5*time.Minute), until)
}

func TestStore_DisablePurpose(t *testing.T) {
	store, _, _ := newTestStore(t, `{"enabledPurposes": ["cloud-inference", "sdk-telemetry"]}`)
	ctx := context.Background()

	require.NoError(t, store.DisablePurpose(ctx, PurposeCloudInference))
	assert.False(t, store.IsPurposeEnabled(PurposeCloudInference))
	assert.True(t, store.IsPurposeEnabled(PurposeSDKTelemetry))

	assert.ErrorIs(t, store.DisablePurpose(ctx, Purpose("nope")), ErrUnknownPurpose)
}

func TestStore_UpsertAndRemoveEndpoint(t *testing.T) {
	store, backend, _ := newTestStore(t, "")
	ctx := context.Background()

	ep := NewEndpointPolicy("API.example.com", PurposeCloudInference)
	require.NoError(t, store.UpsertEndpoint(ctx, ep))

	got, ok := store.Endpoint("api.example.com")
	require.True(t, ok)
	assert.Equal(t, []string{"GET"}, got.AllowedMethods)

	ep.AllowedMethods = []string{"post"}
	require.NoError(t, store.UpsertEndpoint(ctx, ep))
	got, _ = store.Endpoint("api.example.com")
	assert.Equal(t, []string{"POST"}, got.AllowedMethods)
	assert.Len(t, store.Snapshot().Endpoints(), 1)

	bad := NewEndpointPolicy("x.example.com", PurposeCloudInference)
	bad.TimeoutSeconds = 0
	assert.ErrorIs(t, store.UpsertEndpoint(ctx, bad), ErrInvalidEndpoint)

	require.NoError(t, store.RemoveEndpoint(ctx, "api.example.com"))
	_, ok = store.Endpoint("api.example.com")
	assert.False(t, ok)
	assert.ErrorIs(t, store.RemoveEndpoint(ctx, "api.example.com"), ErrEndpointNotFound)

	assert.Equal(t, 3, backend.Saves())
}

func TestStore_RemoveEndpointNormalizesHost(t *testing.T) {
	store, _, _ := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.UpsertEndpoint(ctx, NewEndpointPolicy("api.example.com", PurposeCloudInference)))

	_, ok := store.Endpoint("API.Example.com.")
	assert.True(t, ok)

	require.NoError(t, store.RemoveEndpoint(ctx, "API.example.com"))
	_, ok = store.Endpoint("api.example.com")
	assert.False(t, ok)
	assert.ErrorIs(t, store.RemoveEndpoint(ctx, "API.example.com"), ErrEndpointNotFound)
}

func TestStore_ReplaceEndpointsIsAllOrNothing(t *testing.T) {
	store, _, _ := newTestStore(t, `{"endpoints":[{"host":"old.example.com","requiredPurpose":"cloud-inference"}]}`)
	ctx := context.Background()

	bad := NewEndpointPolicy("b.example.com", PurposeCloudInference)
	bad.AllowedPathPrefixes = []string{"nope"}
	err := store.ReplaceEndpoints(ctx, []EndpointPolicy{
		NewEndpointPolicy("a.example.com", PurposeCloudInference),
		bad,
	})
	require.ErrorIs(t, err, ErrInvalidEndpoint)
	_, ok := store.Endpoint("old.example.com")
	assert.True(t, ok, "failed replace must keep the old endpoints")

	require.NoError(t, store.ReplaceEndpoints(ctx, []EndpointPolicy{
		NewEndpointPolicy("a.example.com", PurposeCloudInference),
	}))
	_, ok = store.Endpoint("old.example.com")
	assert.False(t, ok)
	_, ok = store.Endpoint("a.example.com")
	assert.True(t, ok)
}

func TestStore_SaveFailureDoesNotPublish(t *testing.T) {
	store, backend, _ := newTestStore(t, "")
	backend.FailWith(errors.New("disk full"))

	err := store.EnablePurpose(context.Background(), PurposeCloudInference, 0)
	require.Error(t, err)
	assert.False(t, store.IsPurposeEnabled(PurposeCloudInference))
}

func TestStore_Settings(t *testing.T) {
	store, _, _ := newTestStore(t, "")
	ctx := context.Background()

	assert.ErrorIs(t, store.SetDefaultSessionMinutes(ctx, 0), ErrInvalidSetting)
	require.NoError(t, store.SetDefaultSessionMinutes(ctx, 30))
	assert.Equal(t, 30, store.Snapshot().DefaultSessionMinutes())

	require.NoError(t, store.SetAvoidAutoSwitchOnExpensive(ctx, true))
	assert.True(t, store.Snapshot().AvoidAutoSwitchOnExpensive())
}

func TestStore_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "egress-policy.json")
	backend, err := NewFileBackend(path)
	require.NoError(t, err)
	ctx := context.Background()

	store, err := NewStore(ctx, backend)
	require.NoError(t, err)
	require.NoError(t, store.EnablePurpose(ctx, PurposeCloudInference, 0))
	require.NoError(t, store.UpsertEndpoint(ctx, NewEndpointPolicy("api.example.com", PurposeCloudInference)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	reopened, err := NewStore(ctx, backend)
	require.NoError(t, err)
	assert.True(t, reopened.IsPurposeEnabled(PurposeCloudInference))
	_, ok := reopened.Endpoint("api.example.com")
	assert.True(t, ok)
}

func TestStore_Reload(t *testing.T) {
	store, backend, _ := newTestStore(t, "")
	require.NoError(t, backend.Save(context.Background(), []byte(`{"enabledPurposes":["sdk-telemetry"]}`)))

	assert.False(t, store.IsPurposeEnabled(PurposeSDKTelemetry))
	require.NoError(t, store.Reload(context.Background()))
	assert.True(t, store.IsPurposeEnabled(PurposeSDKTelemetry))

	require.NoError(t, backend.Save(context.Background(), []byte(`not json`)))
	assert.Error(t, store.Reload(context.Background()))
	assert.True(t, store.IsPurposeEnabled(PurposeSDKTelemetry), "failed reload keeps the old snapshot")
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	store, _, _ := newTestStore(t, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := store.Snapshot()
				for _, ep := range snap.Endpoints() {
					if _, ok := snap.Endpoint(ep.Host); !ok {
						t.Errorf("snapshot inconsistent for %s", ep.Host)
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, store.ReplaceEndpoints(ctx, []EndpointPolicy{
			NewEndpointPolicy("a.example.com", PurposeCloudInference),
			NewEndpointPolicy("b.example.com", PurposeSDKTelemetry),
		}))
	}
	close(stop)
	wg.Wait()
}

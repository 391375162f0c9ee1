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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDocument_Empty(t *testing.T) {
	doc, warnings, err := DecodeDocument(nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Empty(t, doc.EnabledPurposes)
	assert.Empty(t, doc.Endpoints)
	assert.Equal(t, DefaultSessionMinutes, doc.DefaultSessionMinutes)
	assert.False(t, doc.AvoidAutoSwitchOnExpensive)
}

func TestDecodeDocument_Lenient(t *testing.T) {
	data := []byte(`{
		"enabledPurposes": ["cloud-inference", "mining", "webContentRetrieval"],
		"purposeExpiry": {"cloud-inference": "2030-01-02T03:04:05Z", "bogus": "2030-01-01T00:00:00Z"},
		"endpoints": [
			{"host": "api.example.com", "requiredPurpose": "cloud-inference"},
			"not an object",
			{"host": "b.example.com", "timeoutSeconds": "slow"}
		],
		"defaultSessionMinutes": -5,
		"avoidAutoSwitchOnExpensive": true,
		"futureField": {"x": 1}
	}`)

	doc, warnings, err := DecodeDocument(data)
	require.NoError(t, err)

	assert.Equal(t, []Purpose{PurposeCloudInference, PurposeWebContentRetrieval}, doc.EnabledPurposes)
	require.Contains(t, doc.PurposeExpiry, PurposeCloudInference)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), doc.PurposeExpiry[PurposeCloudInference].UTC())
	require.Len(t, doc.Endpoints, 1)
	assert.Equal(t, "api.example.com", doc.Endpoints[0].Host)
	assert.Equal(t, DefaultSessionMinutes, doc.DefaultSessionMinutes)
	assert.True(t, doc.AvoidAutoSwitchOnExpensive)

	// mining, bogus expiry, two bad endpoints, bad session minutes
	assert.Len(t, warnings, 5)
}

func TestDecodeDocument_UnreadableExpiryDisablesPurpose(t *testing.T) {
	data := []byte(`{
		"enabledPurposes": ["cloud-inference", "sdk-telemetry", "web-content-retrieval"],
		"purposeExpiry": {
			"sdk-telemetry": 1772366400,
			"cloud-inference": "2026-03-01T11:00:00Z",
			"web-content-retrieval": null
		}
	}`)

	doc, warnings, err := DecodeDocument(data)
	require.NoError(t, err)

	assert.Equal(t, []Purpose{PurposeCloudInference}, doc.EnabledPurposes)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), doc.PurposeExpiry[PurposeCloudInference].UTC())
	assert.NotContains(t, doc.PurposeExpiry, PurposeSDKTelemetry)
	assert.NotEmpty(t, warnings)
}

func TestDecodeDocument_ExpiryNotAnObjectDisablesAll(t *testing.T) {
	doc, warnings, err := DecodeDocument([]byte(`{
		"enabledPurposes": ["cloud-inference"],
		"purposeExpiry": ["cloud-inference"]
	}`))
	require.NoError(t, err)
	assert.Empty(t, doc.EnabledPurposes)
	assert.Len(t, warnings, 2)
}

func TestDecodeDocument_NotAnObject(t *testing.T) {
	_, _, err := DecodeDocument([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestDocument_EncodeRoundTrip(t *testing.T) {
	ep := NewEndpointPolicy("api.example.com", PurposeCloudInference)
	ep.AllowedMethods = []string{"POST"}
	in := Document{
		EnabledPurposes:       []Purpose{PurposeCloudInference},
		Endpoints:             []EndpointPolicy{ep},
		DefaultSessionMinutes: 15,
	}
	data, err := in.Encode()
	require.NoError(t, err)

	out, warnings, err := DecodeDocument(data)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, in.EnabledPurposes, out.EnabledPurposes)
	assert.Equal(t, in.Endpoints, out.Endpoints)
	assert.Equal(t, 15, out.DefaultSessionMinutes)
}

func TestSnapshot_PurposeExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := newSnapshot(Document{
		EnabledPurposes: []Purpose{PurposeCloudInference, PurposeSDKTelemetry},
		PurposeExpiry:   map[Purpose]time.Time{PurposeSDKTelemetry: now.Add(time.Minute)},
	})

	assert.True(t, snap.IsPurposeEnabled(PurposeCloudInference, now))
	assert.True(t, snap.IsPurposeEnabled(PurposeSDKTelemetry, now))
	assert.False(t, snap.IsPurposeEnabled(PurposeSDKTelemetry, now.Add(time.Minute)), "expiry is exclusive")
	assert.False(t, snap.IsPurposeEnabled(PurposeWebContentRetrieval, now))

	var nilSnap *Snapshot
	assert.False(t, nilSnap.IsPurposeEnabled(PurposeCloudInference, now))
}

func TestSnapshot_EndpointsPreserveOrder(t *testing.T) {
	snap := newSnapshot(Document{Endpoints: []EndpointPolicy{
		NewEndpointPolicy("b.example.com", PurposeCloudInference),
		NewEndpointPolicy("a.example.com", PurposeCloudInference),
	}})
	eps := snap.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "b.example.com", eps[0].Host)
	assert.Equal(t, "a.example.com", eps[1].Host)

	_, ok := snap.Endpoint("a.example.com")
	assert.True(t, ok)
	_, ok = snap.Endpoint("c.example.com")
	assert.False(t, ok)
}

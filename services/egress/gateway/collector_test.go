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
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestStreamingCollector_UnderLimit(t *testing.T) {
	c := NewStreamingCollector("api.example.com", 10, nil, nil)
	if err := c.Expect(-1); err != nil {
		t.Fatalf("Expect(-1) = %v", err)
	}
	if _, err := io.Copy(c, bytes.NewReader([]byte("0123456789"))); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if got := string(c.Bytes()); got != "0123456789" {
		t.Errorf("Bytes() = %q", got)
	}
	if c.Cancelled() || c.Err() != nil {
		t.Errorf("collector cancelled at exactly the limit")
	}
}

func TestStreamingCollector_CancelsExactlyOnce(t *testing.T) {
	var cancels, notices int
	var cause error
	c := NewStreamingCollector("api.example.com", 8,
		func(err error) { cancels++; cause = err },
		func(string) { notices++ },
	)

	chunks := [][]byte{[]byte("12345"), []byte("6789"), []byte("abc"), []byte("def")}
	var lastReceived int64
	for i, chunk := range chunks {
		n, err := c.Write(chunk)
		if i == 0 {
			if err != nil || n != len(chunk) {
				t.Fatalf("first write = (%d, %v)", n, err)
			}
		} else {
			if err == nil || n != 0 {
				t.Fatalf("write %d after limit = (%d, %v), want refusal", i, n, err)
			}
			if !errors.Is(err, ErrResponseTooLarge) {
				t.Errorf("write %d error = %v, want ErrResponseTooLarge", i, err)
			}
		}
		if c.Received() < lastReceived {
			t.Fatalf("received went backwards: %d < %d", c.Received(), lastReceived)
		}
		lastReceived = c.Received()
	}

	if cancels != 1 || notices != 1 {
		t.Errorf("cancel fired %d times, notice %d times, want 1 each", cancels, notices)
	}
	if CodeOf(cause) != CodeResponseTooLarge {
		t.Errorf("cancel cause = %v", cause)
	}
	if got := string(c.Bytes()); got != "12345" {
		t.Errorf("accepted bytes = %q, want only the first chunk", got)
	}
	if c.Received() != 15 {
		t.Errorf("Received() = %d, want 15", c.Received())
	}
}

func TestStreamingCollector_ExpectRejectsAdvertisedLength(t *testing.T) {
	var cancels int
	c := NewStreamingCollector("api.example.com", 100, func(error) { cancels++ }, nil)

	if err := c.Expect(101); CodeOf(err) != CodeResponseTooLarge {
		t.Fatalf("Expect(101) = %v", err)
	}
	if err := c.Expect(500); err == nil {
		t.Fatal("second Expect accepted")
	}
	if _, err := c.Write([]byte("x")); err == nil {
		t.Fatal("Write accepted after Expect rejection")
	}
	if cancels != 1 {
		t.Errorf("cancel fired %d times, want 1", cancels)
	}
	if len(c.Bytes()) != 0 {
		t.Errorf("Bytes() = %q, want empty", c.Bytes())
	}
}

func TestStreamingCollector_ExpectWithinLimit(t *testing.T) {
	c := NewStreamingCollector("api.example.com", 100, nil, nil)
	if err := c.Expect(100); err != nil {
		t.Errorf("Expect(100) = %v", err)
	}
	if c.Cancelled() {
		t.Error("cancelled without overflow")
	}
}

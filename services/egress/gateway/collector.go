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
	"fmt"
	"sync"
)

// StreamingCollector accumulates a response body up to a fixed limit.
//
// Description:
//
//	Expect checks an advertised Content-Length before any body byte is
//	read. Write accumulates chunks and, as soon as the running total goes
//	over the limit, cancels the transfer and refuses all further bytes.
//	Cancellation happens exactly once per collector no matter how many
//	writes or Expect calls observe the overflow.
//
// Thread Safety: Owned by one request. The cancel path is guarded by
// sync.Once so a concurrent transport cancel cannot double-fire it.
type StreamingCollector struct {
	host     string
	maxBytes int64
	cancel   func(error)
	onCancel func(reason string)

	received int64
	buf      bytes.Buffer
	once     sync.Once
	err      *Error
}

// NewStreamingCollector creates a collector.
//
// Inputs:
//   - host: Endpoint host, used in the error and reason text.
//   - maxBytes: Maximum body size in bytes.
//   - cancel: Cancels the underlying transfer with a cause. May be nil.
//   - onCancel: Notified once with the reason when the limit is exceeded.
//     May be nil.
func NewStreamingCollector(host string, maxBytes int64, cancel func(error), onCancel func(reason string)) *StreamingCollector {
	return &StreamingCollector{
		host:     host,
		maxBytes: maxBytes,
		cancel:   cancel,
		onCancel: onCancel,
	}
}

// Expect checks an advertised content length. Unknown lengths (negative)
// are accepted and enforced by Write.
func (c *StreamingCollector) Expect(contentLength int64) error {
	if contentLength > c.maxBytes {
		c.trip(fmt.Sprintf("Response from %s advertised %d bytes, limit is %d", c.host, contentLength, c.maxBytes))
		return c.err
	}
	return nil
}

// Write implements io.Writer.
func (c *StreamingCollector) Write(p []byte) (int, error) {
	c.received += int64(len(p))
	if c.err != nil {
		return 0, c.err
	}
	if c.received > c.maxBytes {
		c.trip(fmt.Sprintf("Response from %s exceeded %d bytes", c.host, c.maxBytes))
		return 0, c.err
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *StreamingCollector) trip(reason string) {
	c.once.Do(func() {
		c.err = newError(CodeResponseTooLarge, c.host, reason, nil)
		if c.cancel != nil {
			c.cancel(c.err)
		}
		if c.onCancel != nil {
			c.onCancel(reason)
		}
	})
}

// Bytes returns the accepted body bytes.
func (c *StreamingCollector) Bytes() []byte {
	return c.buf.Bytes()
}

// Received returns the total bytes offered to Write, including refused ones.
func (c *StreamingCollector) Received() int64 {
	return c.received
}

// Cancelled reports whether the limit was exceeded.
func (c *StreamingCollector) Cancelled() bool {
	return c.err != nil
}

// Err returns the responseTooLarge error, or nil.
func (c *StreamingCollector) Err() error {
	if c.err == nil {
		return nil
	}
	return c.err
}

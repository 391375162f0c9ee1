// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admin

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianEgress/services/egress/audit"
	"github.com/AleutianAI/AleutianEgress/services/egress/breaker"
	"github.com/AleutianAI/AleutianEgress/services/egress/gateway"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000

	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is returned by GET /v1/egress/health.
type HealthResponse struct {
	Status           string  `json:"status"`
	NetworkAvailable bool    `json:"network_available"`
	Endpoints        int     `json:"endpoints"`
	Subscribers      int     `json:"subscribers"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// PolicyResponse is returned by GET /v1/egress/policy.
type PolicyResponse struct {
	policy.Document
	ActivePurposes []policy.Purpose `json:"activePurposes"`
}

// EnablePurposeRequest is the optional body of PUT /v1/egress/purposes/:purpose.
type EnablePurposeRequest struct {
	// TTLMinutes enables the purpose for this many minutes. Zero means
	// indefinitely unless Session is set.
	TTLMinutes int `json:"ttl_minutes" binding:"gte=0"`

	// Session enables the purpose for the configured session length.
	Session bool `json:"session"`
}

// NetworkRequest is the body of PUT /v1/egress/network.
type NetworkRequest struct {
	Available *bool `json:"available" binding:"required"`
}

// FetchRequest is the body of POST /v1/egress/fetch.
type FetchRequest struct {
	URL     string            `json:"url" binding:"required"`
	Method  string            `json:"method"`
	Purpose string            `json:"purpose" binding:"required"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// FetchResponse is returned by a successful POST /v1/egress/fetch.
type FetchResponse struct {
	RequestID  string              `json:"request_id"`
	Status     int                 `json:"status"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body"`
	Redacted   bool                `json:"redacted"`
	DurationMs int64               `json:"duration_ms"`
}

// getOrCreateRequestID returns the caller's X-Request-ID or a new UUID.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	id := uuid.New().String()
	c.Header("X-Request-ID", id)
	return id
}

// HandleHealth handles GET /v1/egress/health.
func (s *Server) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:           "ok",
		NetworkAvailable: s.gateway.NetworkAvailable(),
		Endpoints:        len(s.store.Snapshot().Endpoints()),
		UptimeSeconds:    time.Since(s.started).Seconds(),
	}
	if s.bus != nil {
		resp.Subscribers = s.bus.Subscribers()
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePolicy handles GET /v1/egress/policy.
//
// Description:
//
//	Returns the persisted document plus the purposes enabled right now,
//	with expired ones removed.
func (s *Server) HandlePolicy(c *gin.Context) {
	snap := s.store.Snapshot()
	doc := snap.Document()
	if doc.EnabledPurposes == nil {
		doc.EnabledPurposes = []policy.Purpose{}
	}
	if doc.Endpoints == nil {
		doc.Endpoints = []policy.EndpointPolicy{}
	}

	now := s.store.Now()
	active := make([]policy.Purpose, 0, len(doc.EnabledPurposes))
	for _, p := range policy.AllPurposes() {
		if snap.IsPurposeEnabled(p, now) {
			active = append(active, p)
		}
	}
	c.JSON(http.StatusOK, PolicyResponse{Document: doc, ActivePurposes: active})
}

// HandleEnablePurpose handles PUT /v1/egress/purposes/:purpose.
//
// Response:
//
//	204 No Content: Enabled and persisted
//	400 Bad Request: Unknown purpose or bad body
//	500 Internal Server Error: Persisting failed
func (s *Server) HandleEnablePurpose(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	p, err := policy.ParsePurpose(c.Param("purpose"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_PURPOSE"})
		return
	}

	var req EnablePurposeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
	}

	ctx := c.Request.Context()
	switch {
	case req.Session:
		err = s.store.EnablePurposeForSession(ctx, p)
	default:
		err = s.store.EnablePurpose(ctx, p, time.Duration(req.TTLMinutes)*time.Minute)
	}
	if err != nil {
		s.logger.Error("enabling purpose failed",
			slog.String("request_id", requestID),
			slog.String("purpose", p.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "PERSIST_FAILED"})
		return
	}
	s.logger.Info("purpose enabled",
		slog.String("request_id", requestID),
		slog.String("purpose", p.String()),
		slog.Int("ttl_minutes", req.TTLMinutes),
		slog.Bool("session", req.Session),
	)
	c.Status(http.StatusNoContent)
}

// HandleDisablePurpose handles DELETE /v1/egress/purposes/:purpose.
func (s *Server) HandleDisablePurpose(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	p, err := policy.ParsePurpose(c.Param("purpose"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_PURPOSE"})
		return
	}
	if err := s.store.DisablePurpose(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "PERSIST_FAILED"})
		return
	}
	s.logger.Info("purpose disabled", slog.String("request_id", requestID), slog.String("purpose", p.String()))
	c.Status(http.StatusNoContent)
}

// HandleUpsertEndpoint handles PUT /v1/egress/endpoints.
//
// The body is one endpoint policy; missing fields take their defaults.
func (s *Server) HandleUpsertEndpoint(c *gin.Context) {
	var ep policy.EndpointPolicy
	if err := c.ShouldBindJSON(&ep); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	if err := s.store.UpsertEndpoint(c.Request.Context(), ep); err != nil {
		if errors.Is(err, policy.ErrInvalidEndpoint) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_ENDPOINT"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "PERSIST_FAILED"})
		return
	}
	stored, _ := s.store.Endpoint(ep.Normalized().Host)
	c.JSON(http.StatusOK, stored)
}

// HandleRemoveEndpoint handles DELETE /v1/egress/endpoints/:host.
func (s *Server) HandleRemoveEndpoint(c *gin.Context) {
	err := s.store.RemoveEndpoint(c.Request.Context(), c.Param("host"))
	switch {
	case errors.Is(err, policy.ErrEndpointNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "PERSIST_FAILED"})
	default:
		c.Status(http.StatusNoContent)
	}
}

// HandleSetNetwork handles PUT /v1/egress/network.
func (s *Server) HandleSetNetwork(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	s.gateway.SetNetworkAvailable(*req.Available)
	c.JSON(http.StatusOK, gin.H{"network_available": s.gateway.NetworkAvailable()})
}

// HandleCircuits handles GET /v1/egress/circuits.
func (s *Server) HandleCircuits(c *gin.Context) {
	circuits := s.gateway.Breakers().Snapshot()
	if circuits == nil {
		circuits = []breaker.Status{}
	}
	c.JSON(http.StatusOK, gin.H{"circuits": circuits})
}

// HandleAudit handles GET /v1/egress/audit.
//
// Query Parameters:
//
//	limit: Maximum events, default 50, capped at 1000 (optional)
func (s *Server) HandleAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "audit store is not configured", Code: "AUDIT_UNAVAILABLE"})
		return
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "INVALID_PARAMETER"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	evs, err := s.audit.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "AUDIT_READ_FAILED"})
		return
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// HandleEvents handles GET /v1/egress/events.
//
// Description:
//
//	Upgrades to a websocket and forwards every bus event as a JSON text
//	message until the client disconnects or the bus closes. A slow client
//	loses events rather than slowing the gateway.
func (s *Server) HandleEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event bus is not configured", Code: "EVENTS_UNAVAILABLE"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	// The read loop only detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// HandleFetch handles POST /v1/egress/fetch.
//
// Response:
//
//	200 OK: FetchResponse (any upstream status)
//	400 Bad Request: Malformed body or unknown purpose
//	403 Forbidden: Policy rejection
//	503 Service Unavailable: Network unavailable or circuit open
//	502 Bad Gateway: Trust, redirect, size or transport failure
func (s *Server) HandleFetch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFetchBody)

	var req FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	purpose, err := policy.ParsePurpose(req.Purpose)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_PURPOSE"})
		return
	}

	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		header.Set(k, v)
	}
	var body []byte
	if req.Body != "" {
		body = []byte(req.Body)
	}

	resp, err := s.gateway.Fetch(c.Request.Context(), &gateway.Request{
		URL:    req.URL,
		Method: req.Method,
		Header: header,
		Body:   body,
	}, purpose)
	if err != nil {
		code := gateway.CodeOf(err)
		reason := err.Error()
		var ge *gateway.Error
		if errors.As(err, &ge) {
			reason = ge.Reason
		}
		s.logger.Info("admin fetch failed",
			slog.String("request_id", requestID),
			slog.String("code", string(code)),
			slog.String("reason", reason),
		)
		c.JSON(statusForCode(code), ErrorResponse{Error: reason, Code: string(code)})
		return
	}

	c.JSON(http.StatusOK, FetchResponse{
		RequestID:  resp.RequestID,
		Status:     resp.StatusCode,
		Headers:    resp.Header,
		Body:       string(resp.Body),
		Redacted:   resp.Redacted,
		DurationMs: resp.Duration.Milliseconds(),
	})
}

// statusForCode maps a gateway error code to an HTTP status.
func statusForCode(code gateway.Code) int {
	switch {
	case code.IsPolicyRejection():
		return http.StatusForbidden
	case code == gateway.CodeNetworkUnavailable, code == gateway.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

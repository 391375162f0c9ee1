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

import "github.com/gin-gonic/gin"

// RegisterRoutes registers the /v1/egress endpoints.
//
// Endpoints:
//
//	GET    /v1/egress/health             - Liveness and connectivity flag
//	GET    /v1/egress/policy             - Current policy document
//	PUT    /v1/egress/purposes/:purpose  - Enable a purpose ({"ttl_minutes": n} or {"session": true})
//	DELETE /v1/egress/purposes/:purpose  - Disable a purpose
//	PUT    /v1/egress/endpoints          - Add or replace one endpoint policy
//	DELETE /v1/egress/endpoints/:host    - Remove an endpoint policy
//	PUT    /v1/egress/network            - Set the connectivity flag ({"available": bool})
//	GET    /v1/egress/circuits           - Circuit breaker state per host
//	GET    /v1/egress/audit?limit=n      - Most recent audit events
//	GET    /v1/egress/events             - Websocket stream of UI notifications
//	POST   /v1/egress/fetch              - Run a request through the gateway
//
// Example:
//
//	router := gin.New()
//	admin.RegisterRoutes(router.Group("/v1"), server)
func RegisterRoutes(rg *gin.RouterGroup, s *Server) {
	egress := rg.Group("/egress")
	{
		egress.GET("/health", s.HandleHealth)

		// Policy
		egress.GET("/policy", s.HandlePolicy)
		egress.PUT("/purposes/:purpose", s.HandleEnablePurpose)
		egress.DELETE("/purposes/:purpose", s.HandleDisablePurpose)
		egress.PUT("/endpoints", s.HandleUpsertEndpoint)
		egress.DELETE("/endpoints/:host", s.HandleRemoveEndpoint)

		// Runtime state
		egress.PUT("/network", s.HandleSetNetwork)
		egress.GET("/circuits", s.HandleCircuits)
		egress.GET("/audit", s.HandleAudit)
		egress.GET("/events", s.HandleEvents)

		egress.POST("/fetch", s.HandleFetch)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// StatusFunc returns the JSON-serialisable state served at /v1/stack.
type StatusFunc func() interface{}

// Server exposes /metrics, /healthz and /v1/stack while a stack is held up.
//
// # Thread Safety
//
// Start and Shutdown may be called from different goroutines.
type Server struct {
	addr   string
	router *gin.Engine
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the router. Nothing listens until Start.
//
// # Inputs
//
//   - addr: Listen address, e.g. "127.0.0.1:9464"
//   - status: Stack state provider; nil serves an empty object
//   - logger: Logger; nil selects slog.Default()
func NewServer(addr string, status StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if status == nil {
		status = func() interface{} { return gin.H{} }
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("stackguard"))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/v1/stack", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})

	return &Server{
		addr:   addr,
		router: router,
		logger: logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
//
// # Outputs
//
//   - string: The bound address (useful with port 0)
//   - error: Listen failure
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", err
	}
	bound := ln.Addr().String()
	s.logger.Info("Metrics endpoint listening", "address", bound)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics endpoint stopped", "error", err)
		}
	}()
	return bound, nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Farmlink escrow MCP server - exposes the escrow engine as MCP tools for LLMs
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/farmlink/escrow/internal/config"
	"github.com/farmlink/escrow/internal/logging"
	"github.com/farmlink/escrow/internal/mcpserver"
	"github.com/farmlink/escrow/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol, so logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(gin.ReleaseMode)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer func() { _ = srv.Shutdown() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.StartBackground(ctx)

	s := mcpserver.NewMCPServer(srv.Escrow())
	if err := mcpsrv.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(engine Engine) *server.MCPServer {
	s := server.NewMCPServer("farmlink-escrow", Version)
	h := NewHandlers(engine)

	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolPayEscrow, h.HandlePayEscrow)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolReleaseFunds, h.HandleReleaseFunds)
	s.AddTool(ToolCancelEscrow, h.HandleCancelEscrow)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolFarmerStatistics, h.HandleFarmerStatistics)

	return s
}

package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/farmlink/escrow/internal/escrow"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
)

// Engine is the subset of the escrow service the tools drive.
type Engine interface {
	Create(ctx context.Context, req escrow.CreateRequest) (*escrow.Transaction, error)
	Get(ctx context.Context, id string) (*escrow.Transaction, error)
	AttemptPayment(ctx context.Context, id string) (*escrow.Transaction, error)
	ConfirmDelivery(ctx context.Context, id string) (*escrow.Transaction, error)
	ConfirmReceiptAndRelease(ctx context.Context, id string) (*escrow.Transaction, error)
	Cancel(ctx context.Context, id string) (*escrow.Transaction, error)
	RaiseDispute(ctx context.Context, id, reason string) (*escrow.Transaction, error)
	UserStatistics(ctx context.Context, farmerID string) (*escrow.Statistics, error)
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	engine Engine
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine Engine) *Handlers {
	return &Handlers{engine: engine}
}

// HandleCreateEscrow opens a pending transaction.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	buyerID := req.GetString("buyer_id", "")
	farmerID := req.GetString("farmer_id", "")
	listingID := req.GetString("listing_id", "")
	if buyerID == "" || farmerID == "" || listingID == "" {
		return mcp.NewToolResultError("buyer_id, farmer_id and listing_id are required"), nil
	}
	amount, err := decimal.NewFromString(req.GetString("amount", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("amount must be a decimal number: %v", err)), nil
	}
	method, ok := escrow.ParsePaymentMethod(req.GetString("payment_method", string(escrow.MethodMpesa)))
	if !ok {
		return mcp.NewToolResultError("payment_method must be mpesa or mtnMobileMoney"), nil
	}

	txn, err := h.engine.Create(ctx, escrow.CreateRequest{
		BuyerID:       buyerID,
		FarmerID:      farmerID,
		ListingID:     listingID,
		Amount:        amount,
		PaymentMethod: method,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow created for %s via %s\n"+
			"Escrow ID: %s\n"+
			"Status: %s\n\n"+
			"Use pay_escrow to collect the buyer's payment.",
		txn.Amount.StringFixed(2), txn.PaymentMethod, txn.ID, txn.Status)), nil
}

// HandlePayEscrow runs the payment collection loop.
func (h *Handlers) HandlePayEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	txn, err := h.engine.AttemptPayment(ctx, id)
	if errors.Is(err, escrow.ErrRetryExhausted) {
		return mcp.NewToolResultError(fmt.Sprintf(
			"Payment could not be collected and escrow %s has been cancelled.\n%v", id, err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Payment collected. Funds are held in escrow.\n\n%s", formatTransaction(txn))), nil
}

// HandleConfirmDelivery marks the order delivered.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.step(ctx, req, "Delivery confirmation failed", "Delivery confirmed.", h.engine.ConfirmDelivery)
}

// HandleReleaseFunds pays the farmer out.
func (h *Handlers) HandleReleaseFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.step(ctx, req, "Release failed", "Funds released to the farmer.", h.engine.ConfirmReceiptAndRelease)
}

// HandleCancelEscrow cancels a pending escrow.
func (h *Handlers) HandleCancelEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.step(ctx, req, "Cancellation failed", "Escrow cancelled.", h.engine.Cancel)
}

// HandleDisputeEscrow freezes an active escrow.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if strings.TrimSpace(reason) == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	txn, err := h.engine.RaiseDispute(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s disputed.\n"+
			"Reason: %s\n"+
			"Status: %s",
		txn.ID, txn.DisputeReason, txn.Status)), nil
}

// HandleGetEscrow shows a transaction.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	txn, err := h.engine.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTransaction(txn)), nil
}

// HandleFarmerStatistics summarizes a farmer's transactions.
func (h *Handlers) HandleFarmerStatistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	farmerID := req.GetString("farmer_id", "")
	if farmerID == "" {
		return mcp.NewToolResultError("farmer_id is required"), nil
	}

	stats, err := h.engine.UserStatistics(ctx, farmerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get statistics: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Farmer %s\n"+
			"  Total earnings: %s\n"+
			"  Completed: %d | Pending: %d | Total: %d",
		farmerID, stats.TotalEarnings.StringFixed(2),
		stats.CompletedCount, stats.PendingCount, stats.TotalCount)), nil
}

func (h *Handlers) step(
	ctx context.Context,
	req mcp.CallToolRequest,
	failure, success string,
	op func(context.Context, string) (*escrow.Transaction, error),
) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	txn, err := op(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", failure, err)), nil
	}
	return mcp.NewToolResultText(success + "\n\n" + formatTransaction(txn)), nil
}

// --- Formatting helpers ---

func formatTransaction(t *escrow.Transaction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", t.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", t.Status)
	fmt.Fprintf(&sb, "  Amount: %s via %s\n", t.Amount.StringFixed(2), t.PaymentMethod)
	fmt.Fprintf(&sb, "  Buyer: %s | Farmer: %s | Listing: %s\n", t.BuyerID, t.FarmerID, t.ListingID)
	if t.RetryCount > 0 {
		fmt.Fprintf(&sb, "  Retries: %d\n", t.RetryCount)
	}
	if t.FailureReason != "" {
		fmt.Fprintf(&sb, "  Last failure: %s\n", t.FailureReason)
	}
	if t.DisputeReason != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", t.DisputeReason)
	}
	sb.WriteString("  History:")
	for _, e := range t.StatusHistory {
		fmt.Fprintf(&sb, "\n    %s  %s", e.At.UTC().Format(time.RFC3339), e.Status)
	}
	return sb.String()
}

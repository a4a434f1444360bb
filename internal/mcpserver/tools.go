package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open an escrow transaction for a buyer's order from a farmer's listing. "+
			"The transaction starts as pending; use pay_escrow to collect the buyer's payment."),
	mcp.WithString("buyer_id",
		mcp.Required(),
		mcp.Description("ID of the buyer placing the order")),
	mcp.WithString("farmer_id",
		mcp.Required(),
		mcp.Description("ID of the farmer who owns the listing")),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("ID of the produce listing being ordered")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Order amount as a decimal string (e.g. '1500.00')")),
	mcp.WithString("payment_method",
		mcp.Description("Mobile money rail to charge (default mpesa)"),
		mcp.Enum("mpesa", "mtnMobileMoney")),
)

var ToolPayEscrow = mcp.NewTool("pay_escrow",
	mcp.WithDescription(
		"Collect the buyer's payment for a pending escrow. "+
			"Failed attempts are retried automatically; when retries run out the transaction is cancelled."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID returned by create_escrow")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Record that the farmer delivered the produce. Only valid once funds are held."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolReleaseFunds = mcp.NewTool("release_funds",
	mcp.WithDescription(
		"Buyer confirms receipt and the held funds are paid out to the farmer. "+
			"Only valid after delivery has been confirmed."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolCancelEscrow = mcp.NewTool("cancel_escrow",
	mcp.WithDescription(
		"Cancel an escrow before any payment has been collected."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Raise a dispute on an active escrow. "+
			"Use this when the produce was not delivered or was not as described. "+
			"A disputed escrow is frozen until resolved by an operator."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of what went wrong with the order")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Show the current status, timestamps and status history of an escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolFarmerStatistics = mcp.NewTool("farmer_statistics",
	mcp.WithDescription(
		"Summarize a farmer's escrow activity: total earnings from completed orders "+
			"and counts of completed, pending and all transactions."),
	mcp.WithString("farmer_id",
		mcp.Required(),
		mcp.Description("ID of the farmer")),
)

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/andrewreder/paygate/go-api/wallet"
	"github.com/andrewreder/paygate/go-api/x402"
)

const (
	toolWalletBalance      = "wallet_balance"
	toolWalletTransactions = "wallet_transactions"
)

// registerTools registers the discovery tool and the metered wallet tools.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "search_resources",
		Title:       "Search x402 Tools",
		Description: "Discover paid tools on this server. Use searchQuery to filter by text. Call a returned tool with a payment proof attached in meta x402/payment.",
		Meta: map[string]any{
			"x402/usage": map[string]any{
				"step": "discover",
			},
		},
		OutputSchema: searchResourcesOutputSchema(),
	}, s.SearchResources)

	balance := s.paidTool(&mcp.Tool{
		Name:        toolWalletBalance,
		Title:       "Wallet Balance",
		Description: "Returns the native SOL balance of a Solana account. Requires an x402 payment in meta x402/payment.",
		InputSchema: walletInputSchema(false),
	})
	mcp.AddTool(s.mcpServer, balance, paidHandler(s, toolWalletBalance, s.WalletBalance))

	transactions := s.paidTool(&mcp.Tool{
		Name:        toolWalletTransactions,
		Title:       "Wallet Transactions",
		Description: "Lists recent transaction signatures of a Solana account. Requires an x402 payment in meta x402/payment.",
		InputSchema: walletInputSchema(true),
	})
	mcp.AddTool(s.mcpServer, transactions, paidHandler(s, toolWalletTransactions, s.WalletTransactions))
}

// paidTool attaches pricing metadata to tool and records it for discovery.
func (s *Server) paidTool(tool *mcp.Tool) *mcp.Tool {
	if meta := buildPricingMeta(s.gate, tool.Name, tool.Description); meta != nil {
		tool.Meta = meta
	}
	s.tools = append(s.tools, tool)
	return tool
}

// paidHandler meters h through the tool gate after normalising the payment meta.
func paidHandler[In, Out any](
	s *Server,
	toolName string,
	h func(context.Context, *mcp.CallToolRequest, In, *x402.PaymentContext) (*mcp.CallToolResult, Out, error),
) mcp.ToolHandlerFor[In, Out] {
	gated := x402.WrapToolHandler(s.gate, toolName, h)
	return func(ctx context.Context, req *mcp.CallToolRequest, input In) (*mcp.CallToolResult, Out, error) {
		if req != nil && req.Params != nil {
			normalizePaymentMeta(req.Params.Meta)
		}
		return gated(ctx, req, input)
	}
}

// SearchResourcesParams defines parameters for the search_resources tool.
type SearchResourcesParams struct {
	// SearchQuery free-form search string to filter available tools.
	SearchQuery string `json:"searchQuery,omitempty" jsonschema:"Search string for filtering tools"`
	// Limit optional pagination limit.
	Limit *int `json:"limit,omitempty"       jsonschema:"Optional pagination limit"`
	// Offset optional pagination offset.
	Offset *int `json:"offset,omitempty"      jsonschema:"Optional pagination offset"`
}

// SearchResourcesPagination defines pagination for the search_resources tool output.
type SearchResourcesPagination struct {
	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
	Total  *int `json:"total,omitempty"`
}

// SearchResourcesOutput defines the structured output for the search_resources tool.
type SearchResourcesOutput struct {
	Pagination  SearchResourcesPagination `json:"pagination"`
	X402Version int                       `json:"x402Version"`
	Tools       []*mcp.Tool               `json:"tools,omitempty"`
}

// SearchResources returns the paid tools matching the search query.
// This method is exported for testing purposes.
func (s *Server) SearchResources(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *SearchResourcesParams,
) (*mcp.CallToolResult, SearchResourcesOutput, error) {
	var query string
	var limit, offset *int
	if params != nil {
		query, limit, offset = params.SearchQuery, params.Limit, params.Offset
	}
	filtered := filterTools(s.tools, query)
	paged, pagination := paginateTools(filtered, limit, offset)

	return nil, SearchResourcesOutput{
		Pagination:  pagination,
		X402Version: x402.X402Version,
		Tools:       paged,
	}, nil
}

// WalletBalance serves wallet_balance once the call is paid.
func (s *Server) WalletBalance(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params WalletBalanceParams,
	pc *x402.PaymentContext,
) (*mcp.CallToolResult, WalletBalanceOutput, error) {
	balance, err := s.wallet.Balance(ctx, params.Address)
	if err != nil {
		return nil, WalletBalanceOutput{}, walletError(err)
	}
	return nil, WalletBalanceOutput{
		Address:  balance.Address,
		Lamports: balance.Lamports,
		SOL:      balance.SOL.String(),
		Slot:     balance.Slot,
	}, nil
}

// WalletTransactions serves wallet_transactions once the call is paid.
func (s *Server) WalletTransactions(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params WalletTransactionsParams,
	pc *x402.PaymentContext,
) (*mcp.CallToolResult, WalletTransactionsOutput, error) {
	activity, err := s.wallet.RecentActivity(ctx, params.Address, params.Limit)
	if err != nil {
		return nil, WalletTransactionsOutput{}, walletError(err)
	}
	out := WalletTransactionsOutput{
		Address:      params.Address,
		Transactions: make([]WalletTransaction, 0, len(activity)),
	}
	for _, a := range activity {
		tx := WalletTransaction{
			Signature: a.Signature,
			Slot:      a.Slot,
			Failed:    a.Failed,
			Memo:      a.Memo,
		}
		if a.BlockTime != nil {
			tx.BlockTime = a.BlockTime.Format(time.RFC3339)
		}
		out.Transactions = append(out.Transactions, tx)
	}
	return nil, out, nil
}

func walletError(err error) error {
	if errors.Is(err, wallet.ErrInvalidAddress) {
		return errors.New("invalid address")
	}
	return errors.New("ledger lookup failed")
}

// buildPricingMeta describes a metered tool's payment terms in its _meta.
func buildPricingMeta(gate *x402.ToolGate, toolName, description string) map[string]any {
	requirement, ok := gate.Requirement(toolName)
	if !ok {
		return nil
	}
	return map[string]any{
		x402.MetaKeyPaymentRequired: map[string]any{
			"x402Version": x402.X402Version,
			"resource": map[string]any{
				"url":         fmt.Sprintf("mcp://tool/%s", toolName),
				"description": description,
				"mimeType":    "application/json",
			},
			"accepts": []x402.Requirement{requirement},
		},
	}
}

// walletInputSchema is declared by hand so discovery can list it before registration.
func walletInputSchema(withLimit bool) map[string]any {
	properties := map[string]any{
		"address": map[string]any{
			"type":        "string",
			"description": "Base58 Solana account address",
		},
	}
	if withLimit {
		properties["limit"] = map[string]any{
			"type":        "integer",
			"description": "Maximum signatures to return (1-100, default 10)",
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   []string{"address"},
	}
}

func searchResourcesOutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pagination": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit":  map[string]any{"type": "integer"},
					"offset": map[string]any{"type": "integer"},
					"total":  map[string]any{"type": "integer"},
				},
				"additionalProperties": false,
			},
			"x402Version": map[string]any{"type": "integer"},
			"tools": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"_meta":       map[string]any{"type": "object", "additionalProperties": true},
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"inputSchema": map[string]any{"type": "object", "additionalProperties": true},
						"outputSchema": map[string]any{
							"type":                 "object",
							"additionalProperties": true,
						},
						"title": map[string]any{"type": "string"},
						"annotations": map[string]any{
							"type":                 "object",
							"additionalProperties": true,
						},
					},
					"additionalProperties": false,
				},
			},
		},
		"additionalProperties": false,
	}
}

func filterTools(items []*mcp.Tool, query string) []*mcp.Tool {
	if query == "" {
		return items
	}
	query = strings.ToLower(query)
	filtered := make([]*mcp.Tool, 0, len(items))
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Name), query) ||
			strings.Contains(strings.ToLower(item.Description), query) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func paginateTools(
	items []*mcp.Tool,
	limit *int,
	offset *int,
) ([]*mcp.Tool, SearchResourcesPagination) {
	total := len(items)
	start := 0
	if offset != nil && *offset > 0 {
		start = *offset
		if start > total {
			start = total
		}
	}
	end := total
	if limit != nil && *limit >= 0 {
		end = start + *limit
		if end > total {
			end = total
		}
	}
	paged := items[start:end]

	var limitPtr *int
	if limit != nil {
		value := *limit
		limitPtr = &value
	}
	var offsetPtr *int
	if offset != nil {
		value := *offset
		offsetPtr = &value
	}
	totalPtr := total

	return paged, SearchResourcesPagination{
		Limit:  limitPtr,
		Offset: offsetPtr,
		Total:  &totalPtr,
	}
}

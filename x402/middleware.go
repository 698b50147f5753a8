package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ToolGate applies the payment engine to MCP tool calls. The proof travels in
// _meta["x402/payment"], either as a token string or as a proof object.
type ToolGate struct {
	engine    *Engine
	serverURL string
	logger    *zap.Logger

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewToolGate creates a gate for MCP tools served at serverURL.
func NewToolGate(engine *Engine, serverURL string, logger *zap.Logger) *ToolGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolGate{
		engine:    engine,
		serverURL: serverURL,
		logger:    logger.Named("mcp-gate"),
		prices:    make(map[string]decimal.Decimal),
	}
}

// SetToolPrice meters toolName at price.
func (g *ToolGate) SetToolPrice(toolName string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[toolName] = price
}

// ToolPrice returns the price of toolName and whether it is metered.
func (g *ToolGate) ToolPrice(toolName string) (decimal.Decimal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	price, ok := g.prices[toolName]
	return price, ok
}

// Requirement describes the payment a metered tool expects.
func (g *ToolGate) Requirement(toolName string) (Requirement, bool) {
	price, ok := g.ToolPrice(toolName)
	if !ok {
		return Requirement{}, false
	}
	return g.engine.Requirement(price, ToolResource(toolName)), true
}

// ToolResource is the resource path a tool's payments are bound to.
func ToolResource(toolName string) string {
	return "/tools/" + toolName
}

// PaymentRequiredMeta is the _meta["x402/payment-required"] payload.
type PaymentRequiredMeta struct {
	PaymentRequiredBody
	Resource ResourceInfo `json:"resource"`
}

// ResourceInfo describes the resource requiring payment.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// Authorize checks the payment attached to a tool call.
//
// It returns a payment context for a paid call, a challenge for a metered call
// without proof, neither for a free tool, or a typed error.
func (g *ToolGate) Authorize(ctx context.Context, toolName string, meta map[string]any) (*PaymentContext, *PaymentRequiredMeta, error) {
	price, ok := g.ToolPrice(toolName)
	if !ok {
		return nil, nil, nil
	}
	resource := ToolResource(toolName)

	raw, present := meta[MetaKeyPayment]
	if !present || raw == nil {
		challenge, err := g.engine.CreateChallenge(ctx, resource, price)
		if err != nil {
			return nil, nil, err
		}
		token, err := EncodeChallenge(challenge)
		if err != nil {
			return nil, nil, fmt.Errorf("encode challenge: %w", err)
		}
		return nil, &PaymentRequiredMeta{
			PaymentRequiredBody: newPaymentRequiredBody(g.engine, challenge, token),
			Resource: ResourceInfo{
				URL:         g.serverURL + resource,
				Description: "MCP Tool: " + toolName,
				MimeType:    "application/json",
			},
		}, nil
	}

	token, err := proofToken(raw)
	if err != nil {
		return nil, nil, err
	}
	proof, err := DecodeProof(token)
	if err != nil {
		return nil, nil, err
	}
	result, err := g.engine.Validate(ctx, proof, price, resource)
	if err != nil {
		return nil, nil, err
	}
	pc := result.Context()
	return &pc, nil, nil
}

// proofToken accepts either an encoded token or a proof object.
func proofToken(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case map[string]any, json.RawMessage:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", NewError(KindMalformedProof, "payment metadata is not JSON")
		}
		return base64.StdEncoding.EncodeToString(encoded), nil
	default:
		return "", NewError(KindMalformedProof, "payment metadata must be a token or an object")
	}
}

// paymentResponse is the _meta["x402/payment-response"] payload.
func paymentResponse(pc *PaymentContext, err error) *SettleResponse {
	if err != nil {
		reason := "Payment invalid"
		var e *Error
		if errors.As(err, &e) {
			reason = e.Message()
		}
		return &SettleResponse{Success: false, ErrorReason: reason}
	}
	return &SettleResponse{
		Success:     true,
		Payer:       pc.Payer,
		Transaction: pc.Transaction,
		Network:     CAIP2(pc.NetworkID),
	}
}

// WrapToolHandler meters an MCP tool handler. The handler receives the verified
// payment context; it is nil for free tools.
func WrapToolHandler[In, Out any](
	g *ToolGate,
	toolName string,
	handler func(context.Context, *mcp.CallToolRequest, In, *PaymentContext) (*mcp.CallToolResult, Out, error),
) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input In) (*mcp.CallToolResult, Out, error) {
		var zero Out

		pc, required, err := g.Authorize(ctx, toolName, extractMeta(req))
		if err != nil {
			g.logger.Info("tool payment rejected", zap.String("tool", toolName), zap.Error(err))
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{
					&mcp.TextContent{Text: "Payment validation failed: " + clientMessage(err)},
				},
				Meta: mcp.Meta{MetaKeyPaymentResponse: paymentResponse(nil, err)},
			}, zero, nil
		}
		if required != nil {
			body, _ := json.Marshal(required)
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
				Meta:    mcp.Meta{MetaKeyPaymentRequired: required},
			}, zero, nil
		}

		result, out, err := handler(ctx, req, input, pc)
		if err != nil || pc == nil {
			return result, out, err
		}
		if result == nil {
			result = &mcp.CallToolResult{}
		}
		if result.Meta == nil {
			result.Meta = make(mcp.Meta)
		}
		result.Meta[MetaKeyPaymentResponse] = paymentResponse(pc, nil)
		return result, out, nil
	}
}

// clientMessage hides internal causes from tool callers.
func clientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return "internal error"
}

func extractMeta(req *mcp.CallToolRequest) map[string]any {
	if req == nil || req.Params == nil || req.Params.Meta == nil {
		return map[string]any{}
	}
	meta := make(map[string]any, len(req.Params.Meta))
	for k, v := range req.Params.Meta {
		meta[k] = v
	}
	return meta
}

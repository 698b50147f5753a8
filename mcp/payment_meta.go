package mcp

import (
	"encoding/json"

	x402types "github.com/coinbase/x402/go/types"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/andrewreder/paygate/go-api/x402"
)

// normalizePaymentMeta unwraps an x402 payment envelope attached by generic x402
// clients ({"x402Version":2,"accepted":{...},"payload":{...}}) so that the proof
// itself sits under _meta["x402/payment"]. Tokens and bare proofs are left alone.
func normalizePaymentMeta(meta mcp.Meta) {
	if meta == nil {
		return
	}
	envelope, ok := meta[x402.MetaKeyPayment].(map[string]any)
	if !ok {
		return
	}
	payload, ok := envelope["payload"]
	if !ok || payload == nil {
		return
	}
	if _, ok := detectPaymentVersion(envelope); !ok {
		return
	}
	meta[x402.MetaKeyPayment] = payload
}

func detectPaymentVersion(payment map[string]any) (int, bool) {
	payloadBytes, err := json.Marshal(payment)
	if err != nil {
		return 0, false
	}
	version, err := x402types.DetectVersion(payloadBytes)
	if err != nil {
		return normalizeX402Version(payment["x402Version"])
	}
	return version, true
}

func normalizeX402Version(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	default:
		return 0, false
	}
}

package mcp

// WalletBalanceParams defines parameters for the wallet_balance tool.
type WalletBalanceParams struct {
	Address string `json:"address" jsonschema:"Base58 Solana account address"`
}

// WalletBalanceOutput defines the structured output for the wallet_balance tool.
type WalletBalanceOutput struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
	SOL      string `json:"sol"`
	Slot     uint64 `json:"slot"`
}

// WalletTransactionsParams defines parameters for the wallet_transactions tool.
type WalletTransactionsParams struct {
	Address string `json:"address"         jsonschema:"Base58 Solana account address"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum signatures to return (1-100, default 10)"`
}

// WalletTransaction is one entry of the wallet_transactions output.
type WalletTransaction struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime string `json:"blockTime,omitempty"`
	Failed    bool   `json:"failed"`
	Memo      string `json:"memo,omitempty"`
}

// WalletTransactionsOutput defines the structured output for the wallet_transactions tool.
type WalletTransactionsOutput struct {
	Address      string              `json:"address"`
	Transactions []WalletTransaction `json:"transactions,omitempty"`
}

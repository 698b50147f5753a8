package x402

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetInfo describes a token on a specific network.
type AssetInfo struct {
	Network  Network
	Currency Currency
	Address  string
	Decimals int32
}

// ChainFamily groups networks that share transaction formats.
type ChainFamily string

const (
	FamilySVM ChainFamily = "svm"
	FamilyEVM ChainFamily = "evm"
)

type networkInfo struct {
	caip2  CAIP2
	family ChainFamily
}

var networks = map[Network]networkInfo{
	NetworkSolana:       {caip2: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", family: FamilySVM},
	NetworkSolanaDevnet: {caip2: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", family: FamilySVM},
	NetworkBase:         {caip2: "eip155:8453", family: FamilyEVM},
	NetworkBaseSepolia:  {caip2: "eip155:84532", family: FamilyEVM},
}

var assets = []AssetInfo{
	{Network: NetworkSolana, Currency: CurrencyUSDC, Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	{Network: NetworkSolana, Currency: CurrencyUSDT, Address: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6},
	{Network: NetworkSolanaDevnet, Currency: CurrencyUSDC, Address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6},
	{Network: NetworkBase, Currency: CurrencyUSDC, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
	{Network: NetworkBaseSepolia, Currency: CurrencyUSDC, Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6},
}

// ParseCurrency validates a quote currency name.
func ParseCurrency(s string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(s))); c {
	case CurrencyUSDC, CurrencyUSDT:
		return c, nil
	}
	return "", fmt.Errorf("unsupported currency %q", s)
}

// ParseNetwork validates a network name.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := networks[n]; !ok {
		return "", fmt.Errorf("unsupported network %q", s)
	}
	return n, nil
}

// CAIP2ID returns the CAIP-2 identifier of a network.
func (n Network) CAIP2ID() CAIP2 {
	return networks[n].caip2
}

// Family returns the chain family of a network.
func (n Network) Family() ChainFamily {
	return networks[n].family
}

// Asset resolves the token used for currency on network.
func Asset(network Network, currency Currency) (AssetInfo, error) {
	for _, a := range assets {
		if a.Network == network && a.Currency == currency {
			return a, nil
		}
	}
	return AssetInfo{}, fmt.Errorf("currency %s is not available on %s", currency, network)
}

// ToAtomic converts a decimal amount into the token's smallest unit, rounding up.
func (a AssetInfo) ToAtomic(amount decimal.Decimal) *big.Int {
	return amount.Shift(a.Decimals).Ceil().BigInt()
}

// FromAtomic converts a smallest-unit amount back to a decimal.
func (a AssetInfo) FromAtomic(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -a.Decimals)
}

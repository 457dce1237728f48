package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	eip155AssetPattern = regexp.MustCompile(`^eip155:[0-9]+/(erc20:0x[0-9a-fA-F]{40}|slip44:60)$`)
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

// ID returns the chain id as used for transaction signing.
func (c Chain) ID() *big.Int { return big.NewInt(c.EVMChainID) }

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"mainnet":   {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"base":      {Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", CAIP2: "eip155:42161", EVMChainID: 42161},
	"optimism":  {Name: "Optimism", Slug: "optimism", CAIP2: "eip155:10", EVMChainID: 10},
	"polygon":   {Name: "Polygon", Slug: "polygon", CAIP2: "eip155:137", EVMChainID: 137},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", CAIP2: "eip155:43114", EVMChainID: 43114},
	"bsc":       {Name: "BSC", Slug: "bsc", CAIP2: "eip155:56", EVMChainID: 56},
	"fantom":    {Name: "Fantom", Slug: "fantom", CAIP2: "eip155:250", EVMChainID: 250},
	"local":     {Name: "Local", Slug: "local", CAIP2: "eip155:31337", EVMChainID: 31337},
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for slug, chain := range chainBySlug {
		if slug == chain.Slug {
			out[chain.EVMChainID] = chain
		}
	}
	return out
}()

// ParseChain accepts a slug, a bare chain id or a CAIP-2 eip155 reference.
func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	digits := norm
	if eip155ChainPattern.MatchString(norm) {
		digits = strings.TrimPrefix(norm, "eip155:")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
	}
	if known, ok := chainByID[n]; ok {
		return known, nil
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", n), Slug: fmt.Sprintf("evm-%d", n), CAIP2: fmt.Sprintf("eip155:%d", n), EVMChainID: n}, nil
}

// ParseAddress validates a 0x-prefixed hex address. field names the flag in
// the error message.
func ParseAddress(input, field string) (common.Address, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", field))
	}
	if !evmAddressPattern.MatchString(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a 0x-prefixed 20-byte address", field))
	}
	return common.HexToAddress(raw), nil
}

// ParseAsset resolves "native", a token address or a CAIP-19 reference on
// chain. The native asset maps to the ledger's native token sentinel.
func ParseAsset(input string, chain Chain) (common.Address, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, "asset is required")
	}
	switch strings.ToLower(raw) {
	case "native", "eth":
		return ledger.NativeToken, nil
	}

	if strings.Contains(raw, "/") {
		if !eip155AssetPattern.MatchString(raw) {
			return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
		}
		parts := strings.SplitN(raw, "/", 2)
		if parts[0] != chain.CAIP2 {
			return common.Address{}, clierr.New(clierr.CodeUsage, "asset chain does not match the world chain")
		}
		if parts[1] == "slip44:60" {
			return ledger.NativeToken, nil
		}
		return common.HexToAddress(strings.TrimPrefix(parts[1], "erc20:")), nil
	}

	return ParseAddress(raw, "asset")
}

// AssetID renders the CAIP-19 id of an asset on chain.
func AssetID(asset common.Address, chain Chain) string {
	if asset == ledger.NativeToken {
		return chain.CAIP2 + "/slip44:60"
	}
	return chain.CAIP2 + "/erc20:" + strings.ToLower(asset.Hex())
}

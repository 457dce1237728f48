package handler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

// MaxAmount requests "the whole balance" wherever an amount is accepted.
var MaxAmount = new(uint256.Int).SetAllOne()

// Transfer moves asset between two accounts and emits Transfer from the
// asset's address.
func Transfer(hc Context, asset, from, to common.Address, amount *uint256.Int) error {
	if err := hc.State().Transfer(asset, from, to, amount); err != nil {
		return err
	}
	hc.Emit(event.New(asset, "Transfer",
		"from", from.Hex(),
		"to", to.Hex(),
		"amount", amount.Dec(),
	))
	return nil
}

// ResolveAmount maps MaxAmount to the proxy's current balance of asset.
func ResolveAmount(hc Context, asset common.Address, amount *uint256.Int) *uint256.Int {
	if amount.Eq(MaxAmount) {
		return hc.State().Balance(asset, hc.Self())
	}
	return amount
}

func Uint(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected uint256 argument, got %T", v)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("argument overflows uint256")
	}
	return u, nil
}

func Uints(v any) ([]*uint256.Int, error) {
	bs, ok := v.([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected uint256[] argument, got %T", v)
	}
	out := make([]*uint256.Int, 0, len(bs))
	for _, b := range bs {
		u, err := Uint(b)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func Address(v any) (common.Address, error) {
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("expected address argument, got %T", v)
	}
	return a, nil
}

func Addresses(v any) ([]common.Address, error) {
	as, ok := v.([]common.Address)
	if !ok {
		return nil, fmt.Errorf("expected address[] argument, got %T", v)
	}
	return as, nil
}

// Bigs converts amounts for ABI output packing.
func Bigs(values []*uint256.Int) []*big.Int {
	out := make([]*big.Int, 0, len(values))
	for _, v := range values {
		out = append(out, v.ToBig())
	}
	return out
}

// IsNative reports whether asset stands for the native currency.
func IsNative(asset common.Address) bool {
	return asset == ledger.NativeToken
}

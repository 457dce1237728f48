package handler

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PackArgs encodes a call from textual arguments, one per ABI input. Array
// arguments are comma-separated; uint256 accepts "max" for MaxAmount.
func (r *Router) PackArgs(method string, args []string) ([]byte, error) {
	m, ok := r.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%s has no method %q", r.name, method)
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("%s.%s takes %d arguments, got %d", r.name, method, len(m.Inputs), len(args))
	}
	values := make([]any, 0, len(args))
	for i, input := range m.Inputs {
		v, err := parseArg(input.Type, args[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s argument %d (%s): %w", r.name, method, i, input.Name, err)
		}
		values = append(values, v)
	}
	return r.abi.Pack(method, values...)
}

func parseArg(t abi.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		return common.HexToAddress(raw), nil
	case abi.UintTy:
		if t.Size != 256 {
			return nil, fmt.Errorf("unsupported type %s", t.String())
		}
		return parseBig(raw)
	case abi.BoolTy:
		return strconv.ParseBool(raw)
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return hexutil.Decode(raw)
	case abi.SliceTy:
		parts := splitList(raw)
		switch t.Elem.T {
		case abi.AddressTy:
			out := make([]common.Address, 0, len(parts))
			for _, p := range parts {
				v, err := parseArg(*t.Elem, p)
				if err != nil {
					return nil, err
				}
				out = append(out, v.(common.Address))
			}
			return out, nil
		case abi.UintTy:
			out := make([]*big.Int, 0, len(parts))
			for _, p := range parts {
				v, err := parseArg(*t.Elem, p)
				if err != nil {
					return nil, err
				}
				out = append(out, v.(*big.Int))
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unsupported type %s", t.String())
}

func parseBig(raw string) (*big.Int, error) {
	if strings.EqualFold(raw, "max") {
		return MaxAmount.ToBig(), nil
	}
	v, ok := new(big.Int).SetString(raw, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid uint256 %q", raw)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("%q overflows uint256", raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

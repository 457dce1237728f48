// Package batch describes proxy batch steps: the 32-byte parameter config,
// the fee action union, their ABI calldata, and the local stack used to feed
// one step's return values into a later step's calldata.
package batch

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

const (
	dynamicFlag  = 0x01
	locsOffset   = 2
	refsOffset   = 10
	MaxRefs      = 22
	MaxParams    = 64
	unusedRef    = 0xff
	MaxStackSize = 256
)

// Config is the per-step parameter word.
//
//	byte 0      bit 0x01 set when calldata has dynamic parameters
//	byte 1      number of 32-byte return words pushed to the local stack
//	bytes 2-9   big-endian uint64; bit k set when calldata word k is dynamic
//	bytes 10-31 local stack references, one per dynamic word, 0xff unused
type Config [32]byte

// StaticConfig returns a config with no dynamic parameters.
func StaticConfig(returnNum uint8) Config {
	var c Config
	c[1] = returnNum
	for i := refsOffset; i < len(c); i++ {
		c[i] = unusedRef
	}
	return c
}

// DynamicConfig builds a config that replaces calldata words params[i] with
// local stack entry refs[i].
func DynamicConfig(returnNum uint8, params []int, refs []uint8) (Config, error) {
	if len(params) == 0 {
		return Config{}, clierr.New(clierr.CodeInvalidArgument, "dynamic config needs at least one parameter")
	}
	if len(params) != len(refs) {
		return Config{}, clierr.New(clierr.CodeInvalidArgument, "parameter and reference counts differ")
	}
	if len(refs) > MaxRefs {
		return Config{}, clierr.Newf(clierr.CodeInvalidArgument, "at most %d dynamic parameters", MaxRefs)
	}
	type pair struct {
		param int
		ref   uint8
	}
	pairs := make([]pair, 0, len(params))
	seen := make(map[int]bool, len(params))
	for i, p := range params {
		if p < 0 || p >= MaxParams {
			return Config{}, clierr.Newf(clierr.CodeInvalidArgument, "parameter index %d out of range", p)
		}
		if seen[p] {
			return Config{}, clierr.Newf(clierr.CodeInvalidArgument, "duplicate parameter index %d", p)
		}
		if refs[i] == unusedRef {
			return Config{}, clierr.New(clierr.CodeInvalidArgument, "reference 0xff is reserved")
		}
		seen[p] = true
		pairs = append(pairs, pair{param: p, ref: refs[i]})
	}
	// References are consumed in ascending parameter order.
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].param < pairs[j].param })

	c := StaticConfig(returnNum)
	c[0] = dynamicFlag
	var locs uint64
	for i, p := range pairs {
		locs |= 1 << uint(p.param)
		c[refsOffset+i] = p.ref
	}
	binary.BigEndian.PutUint64(c[locsOffset:refsOffset], locs)
	return c, nil
}

func (c Config) IsStatic() bool { return c[0]&dynamicFlag == 0 }

func (c Config) ReturnNum() int { return int(c[1]) }

// Params returns the dynamic parameter bitmap and the references in slot
// order up to the first unused slot.
func (c Config) Params() (uint64, []uint8, error) {
	locs := binary.BigEndian.Uint64(c[locsOffset:refsOffset])
	if locs == 0 {
		return 0, nil, clierr.New(clierr.CodeReverted, "No dynamic param")
	}
	refs := make([]uint8, 0, MaxRefs)
	for i := refsOffset; i < len(c); i++ {
		if c[i] == unusedRef {
			break
		}
		refs = append(refs, c[i])
	}
	return locs, refs, nil
}

func (c Config) Hash() common.Hash { return common.Hash(c) }

// FeeKind selects which assets a step's fee skim applies to.
type FeeKind uint8

const (
	FeeNone           FeeKind = 0
	FeeNative         FeeKind = 1
	FeeToken          FeeKind = 2
	FeeNativeAndToken FeeKind = 3
)

func (k FeeKind) String() string {
	switch k {
	case FeeNone:
		return "none"
	case FeeNative:
		return "native"
	case FeeToken:
		return "token"
	case FeeNativeAndToken:
		return "native+token"
	default:
		return fmt.Sprintf("FeeKind(%d)", uint8(k))
	}
}

func ParseFeeKind(v string) (FeeKind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none":
		return FeeNone, nil
	case "native":
		return FeeNative, nil
	case "token":
		return FeeToken, nil
	case "native+token", "both":
		return FeeNativeAndToken, nil
	default:
		return FeeNone, clierr.Newf(clierr.CodeInvalidArgument, "unknown fee kind %q (expected none|native|token|native+token)", v)
	}
}

// FeeAction is the fee skim applied after a step. A nil or zero Amount means
// the proxy's whole holding of each selected asset.
type FeeAction struct {
	Kind   FeeKind
	Token  common.Address
	Amount *uint256.Int
}

func (f FeeAction) Validate() error {
	switch f.Kind {
	case FeeNone, FeeNative:
		return nil
	case FeeToken, FeeNativeAndToken:
		if f.Token == (common.Address{}) || f.Token == ledger.NativeToken {
			return clierr.New(clierr.CodeInvalidArgument, "token fee action needs a token address")
		}
		return nil
	default:
		return clierr.Newf(clierr.CodeInvalidArgument, "invalid fee kind %d", uint8(f.Kind))
	}
}

// Assets lists the skimmed assets, native first.
func (f FeeAction) Assets() []common.Address {
	switch f.Kind {
	case FeeNative:
		return []common.Address{ledger.NativeToken}
	case FeeToken:
		return []common.Address{f.Token}
	case FeeNativeAndToken:
		return []common.Address{ledger.NativeToken, f.Token}
	default:
		return nil
	}
}

// Whole reports whether the action skims the whole holding.
func (f FeeAction) Whole() bool {
	return f.Amount == nil || f.Amount.IsZero()
}

type Step struct {
	Target common.Address
	Config Config
	Fee    FeeAction
	Data   []byte
}

// Selector is the first four bytes of the step calldata, zero-padded.
func (s Step) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], s.Data)
	return sel
}

package batch

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
)

// Base is the fixed-point unit used when scaling a calldata word by a stack
// reference.
var Base = uint256.NewInt(1_000_000_000_000_000_000)

// Stack holds 32-byte return words shared between the steps of one batch.
type Stack struct {
	words []common.Hash
}

func (s *Stack) Len() int { return len(s.words) }

func (s *Stack) At(i int) common.Hash { return s.words[i] }

// Trim rewrites the dynamic words of data in place. A non-zero calldata word
// is treated as a ratio over Base of the referenced value; a zero word is
// replaced by the referenced value itself.
func (s *Stack) Trim(data []byte, cfg Config) error {
	locs, refs, err := cfg.Params()
	if err != nil {
		return err
	}
	n := 0
	for k := 0; locs != 0; k++ {
		if locs&1 == 1 {
			if n >= len(refs) {
				return clierr.New(clierr.CodeReverted, "Location count exceeds ref count")
			}
			ref := int(refs[n])
			if ref >= len(s.words) {
				return clierr.New(clierr.CodeReverted, "Reference to out of localStack")
			}
			offset := 4 + 32*k
			if offset+32 > len(data) {
				return clierr.New(clierr.CodeReverted, "Parameter location out of calldata")
			}
			word := new(uint256.Int).SetBytes(data[offset : offset+32])
			value := new(uint256.Int).SetBytes(s.words[ref][:])
			if !word.IsZero() {
				product, overflow := new(uint256.Int).MulOverflow(word, value)
				if overflow {
					return clierr.New(clierr.CodeReverted, "Multiplication overflow")
				}
				value = product.Div(product, Base)
			}
			buf := value.Bytes32()
			copy(data[offset:offset+32], buf[:])
			n++
		}
		locs >>= 1
	}
	if n < len(refs) {
		return clierr.New(clierr.CodeReverted, "Location count less than ref count")
	}
	return nil
}

// Parse pushes ret onto the stack as 32-byte words and returns how many were
// pushed.
func (s *Stack) Parse(ret []byte) (int, error) {
	if len(ret)%32 != 0 {
		return 0, clierr.New(clierr.CodeReverted, "illegal length for _parse")
	}
	count := len(ret) / 32
	if len(s.words)+count > MaxStackSize {
		return 0, clierr.New(clierr.CodeReverted, "stack overflow")
	}
	for i := 0; i < count; i++ {
		s.words = append(s.words, common.BytesToHash(ret[i*32:(i+1)*32]))
	}
	return count, nil
}

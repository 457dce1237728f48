package feerule

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

const (
	KindTokenBalance  = "token-balance"
	KindNativeBalance = "native-balance"
	KindERC721        = "erc721"
	KindERC1155       = "erc1155"
)

// Rule decides the multiplier for one account. Accounts that do not qualify
// get Base.
type Rule interface {
	Discount(state ledger.Reader, account common.Address) (*uint256.Int, error)
	Spec() RuleSpec
}

// RuleSpec is the serialisable form of a built-in rule. Numbers are decimal
// integer strings; Discount is scaled by Base.
type RuleSpec struct {
	Kind     string         `json:"kind" yaml:"kind"`
	Asset    common.Address `json:"asset,omitempty" yaml:"asset,omitempty"`
	TokenID  string         `json:"token_id,omitempty" yaml:"token_id,omitempty"`
	Min      string         `json:"min,omitempty" yaml:"min,omitempty"`
	Discount string         `json:"discount" yaml:"discount"`
}

// NewRuleFromSpec builds a built-in rule.
func NewRuleFromSpec(spec RuleSpec) (Rule, error) {
	discount, err := parseUint(spec.Discount, "discount")
	if err != nil {
		return nil, err
	}
	if discount.Gt(Base) {
		return nil, clierr.New(clierr.CodeInvalidArgument, "discount larger than base")
	}
	threshold := uint256.NewInt(1)
	if strings.TrimSpace(spec.Min) != "" {
		if threshold, err = parseUint(spec.Min, "min"); err != nil {
			return nil, err
		}
	}
	spec.Min = threshold.Dec()
	spec.Discount = discount.Dec()

	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case KindTokenBalance:
		if spec.Asset == (common.Address{}) {
			return nil, clierr.New(clierr.CodeInvalidArgument, "token-balance rule needs an asset")
		}
		spec.Kind = KindTokenBalance
		return balanceRule{spec: spec, asset: spec.Asset, min: threshold, discount: discount}, nil
	case KindNativeBalance:
		spec.Kind = KindNativeBalance
		spec.Asset = common.Address{}
		return balanceRule{spec: spec, asset: ledger.NativeToken, min: threshold, discount: discount}, nil
	case KindERC721:
		if spec.Asset == (common.Address{}) {
			return nil, clierr.New(clierr.CodeInvalidArgument, "erc721 rule needs a collection")
		}
		spec.Kind = KindERC721
		return erc721Rule{spec: spec, min: threshold, discount: discount}, nil
	case KindERC1155:
		if spec.Asset == (common.Address{}) {
			return nil, clierr.New(clierr.CodeInvalidArgument, "erc1155 rule needs a collection")
		}
		id, err := parseUint(spec.TokenID, "token id")
		if err != nil {
			return nil, err
		}
		spec.Kind = KindERC1155
		spec.TokenID = id.Dec()
		return erc1155Rule{spec: spec, id: id, min: threshold, discount: discount}, nil
	default:
		return nil, clierr.Newf(clierr.CodeInvalidArgument, "unknown rule kind %q", spec.Kind)
	}
}

type balanceRule struct {
	spec     RuleSpec
	asset    common.Address
	min      *uint256.Int
	discount *uint256.Int
}

func (r balanceRule) Discount(state ledger.Reader, account common.Address) (*uint256.Int, error) {
	return pick(!state.Balance(r.asset, account).Lt(r.min), r.discount), nil
}

func (r balanceRule) Spec() RuleSpec { return r.spec }

type erc721Rule struct {
	spec     RuleSpec
	min      *uint256.Int
	discount *uint256.Int
}

func (r erc721Rule) Discount(state ledger.Reader, account common.Address) (*uint256.Int, error) {
	return pick(!state.NFTBalance(r.spec.Asset, account).Lt(r.min), r.discount), nil
}

func (r erc721Rule) Spec() RuleSpec { return r.spec }

type erc1155Rule struct {
	spec     RuleSpec
	id       *uint256.Int
	min      *uint256.Int
	discount *uint256.Int
}

func (r erc1155Rule) Discount(state ledger.Reader, account common.Address) (*uint256.Int, error) {
	return pick(!state.MultiBalance(r.spec.Asset, r.id, account).Lt(r.min), r.discount), nil
}

func (r erc1155Rule) Spec() RuleSpec { return r.spec }

func pick(qualified bool, discount *uint256.Int) *uint256.Int {
	if qualified {
		return new(uint256.Int).Set(discount)
	}
	return new(uint256.Int).Set(Base)
}

func parseUint(v, field string) (*uint256.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, clierr.Newf(clierr.CodeInvalidArgument, "%s is required", field)
	}
	out, err := uint256.FromDecimal(v)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidArgument, "parse "+field, err)
	}
	return out, nil
}

// Package feerule computes the fee multiplier charged by the proxy. Rules are
// kept in an append-only list; each rule maps an account to a discount
// multiplier, and multipliers compose by fixed-point multiplication over
// Base.
package feerule

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

// Base is the fixed-point unit of every multiplier: Base means "no discount".
var Base = uint256.NewInt(1_000_000_000_000_000_000)

type Env interface {
	Record(undo func())
	Emit(l event.Log)
}

type Registry struct {
	address   common.Address
	owner     common.Address
	basisRate *uint256.Int
	collector common.Address
	// rules is indexed by rule index; a nil entry is a tombstone.
	rules []Rule
}

func New(address, owner common.Address, basisRate *uint256.Int, collector common.Address) (*Registry, error) {
	if basisRate == nil || basisRate.Gt(Base) {
		return nil, clierr.New(clierr.CodeInvalidArgument, "out of range")
	}
	if collector == (common.Address{}) {
		return nil, clierr.New(clierr.CodeInvalidArgument, "zero address")
	}
	return &Registry{
		address:   address,
		owner:     owner,
		basisRate: new(uint256.Int).Set(basisRate),
		collector: collector,
	}, nil
}

func (r *Registry) Address() common.Address { return r.address }

func (r *Registry) Owner() common.Address { return r.owner }

func (r *Registry) BasisFeeRate() *uint256.Int { return new(uint256.Int).Set(r.basisRate) }

func (r *Registry) FeeCollector() common.Address { return r.collector }

// Counter is the next rule index to be assigned.
func (r *Registry) Counter() uint64 { return uint64(len(r.rules)) }

func (r *Registry) onlyOwner(caller common.Address) error {
	if caller != r.owner {
		return clierr.New(clierr.CodeUnauthorized, "Ownable: caller is not the owner")
	}
	return nil
}

// RegisterRule appends rule and returns its index. Indexes are never reused.
func (r *Registry) RegisterRule(env Env, caller common.Address, rule Rule) (uint64, error) {
	if err := r.onlyOwner(caller); err != nil {
		return 0, err
	}
	if rule == nil {
		return 0, clierr.New(clierr.CodeInvalidArgument, "not allow to set zero address")
	}
	index := uint64(len(r.rules))
	r.rules = append(r.rules, rule)
	env.Record(func() { r.rules = r.rules[:index] })
	env.Emit(event.New(r.address, "RegisteredRule", "index", strconv.FormatUint(index, 10), "kind", rule.Spec().Kind))
	return index, nil
}

func (r *Registry) UnregisterRule(env Env, caller common.Address, index uint64) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if index >= uint64(len(r.rules)) || r.rules[index] == nil {
		return clierr.New(clierr.CodeNotRegistered, "rule not set or unregistered")
	}
	prev := r.rules[index]
	r.rules[index] = nil
	env.Record(func() { r.rules[index] = prev })
	env.Emit(event.New(r.address, "UnregisteredRule", "index", strconv.FormatUint(index, 10)))
	return nil
}

func (r *Registry) SetBasisFeeRate(env Env, caller common.Address, rate *uint256.Int) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if rate == nil || rate.Gt(Base) {
		return clierr.New(clierr.CodeInvalidArgument, "out of range")
	}
	if rate.Eq(r.basisRate) {
		return clierr.New(clierr.CodeInvalidArgument, "same as current one")
	}
	prev := r.basisRate
	r.basisRate = new(uint256.Int).Set(rate)
	env.Record(func() { r.basisRate = prev })
	env.Emit(event.New(r.address, "SetBasisFeeRate", "rate", rate.Dec()))
	return nil
}

func (r *Registry) SetFeeCollector(env Env, caller, collector common.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if collector == (common.Address{}) {
		return clierr.New(clierr.CodeInvalidArgument, "zero address")
	}
	if collector == r.collector {
		return clierr.New(clierr.CodeInvalidArgument, "same as current one")
	}
	prev := r.collector
	r.collector = collector
	env.Record(func() { r.collector = prev })
	env.Emit(event.New(r.address, "SetFeeCollector", "collector", collector.Hex()))
	return nil
}

// Rule returns the rule at index; ok is false for unassigned and tombstoned
// indexes.
func (r *Registry) Rule(index uint64) (Rule, bool) {
	if index >= uint64(len(r.rules)) || r.rules[index] == nil {
		return nil, false
	}
	return r.rules[index], true
}

// CalcRateWithoutBasis evaluates one rule. A tombstoned index is neutral.
func (r *Registry) CalcRateWithoutBasis(state ledger.Reader, account common.Address, index uint64) (*uint256.Int, error) {
	if index >= uint64(len(r.rules)) {
		return nil, clierr.Newf(clierr.CodeIndexOutOfRange, "rule index %d out of range", index)
	}
	rule := r.rules[index]
	if rule == nil {
		return new(uint256.Int).Set(Base), nil
	}
	rate, err := rule.Discount(state, account)
	if err != nil {
		return nil, err
	}
	if rate.Gt(Base) {
		return nil, clierr.Newf(clierr.CodeReverted, "rule %d returned a rate above base", index)
	}
	return rate, nil
}

func (r *Registry) CalcRate(state ledger.Reader, account common.Address, index uint64) (*uint256.Int, error) {
	rate, err := r.CalcRateWithoutBasis(state, account, index)
	if err != nil {
		return nil, err
	}
	return mulBase(rate, r.basisRate), nil
}

// CalcRateMultiWithoutBasis folds the multipliers of indexes, which must be
// strictly ascending.
func (r *Registry) CalcRateMultiWithoutBasis(state ledger.Reader, account common.Address, indexes []uint64) (*uint256.Int, error) {
	return r.fold(state, account, indexes, Base)
}

func (r *Registry) CalcRateMulti(state ledger.Reader, account common.Address, indexes []uint64) (*uint256.Int, error) {
	return r.fold(state, account, indexes, r.basisRate)
}

func (r *Registry) fold(state ledger.Reader, account common.Address, indexes []uint64, start *uint256.Int) (*uint256.Int, error) {
	acc := new(uint256.Int).Set(start)
	for i, index := range indexes {
		if i > 0 && index <= indexes[i-1] {
			return nil, clierr.New(clierr.CodeInvalidArgument, "not ascending order")
		}
		rate, err := r.CalcRateWithoutBasis(state, account, index)
		if err != nil {
			return nil, err
		}
		acc = mulBase(acc, rate)
	}
	return acc, nil
}

// mulBase returns a*b/Base, truncated. Callers keep both operands at or below
// Base, so the product cannot overflow.
func mulBase(a, b *uint256.Int) *uint256.Int {
	out, _ := new(uint256.Int).MulDivOverflow(a, b, Base)
	return out
}

// Fee returns amount*rate/Base, truncated.
func Fee(amount, rate *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulDivOverflow(amount, rate, Base)
	if overflow {
		return nil, clierr.New(clierr.CodeReverted, "fee calculation overflow")
	}
	return out, nil
}

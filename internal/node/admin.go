package node

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/chain"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/feerule"
)

// Administrative operations. Each one is its own transaction, so none of
// them can interleave with a batch.

func (n *Node) RegisterHandler(ctx context.Context, from, h common.Address, info [32]byte) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.register", func(env *chain.Env) error {
		return n.Registry.Register(env, from, h, info)
	})
}

func (n *Node) UnregisterHandler(ctx context.Context, from, h common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.unregister", func(env *chain.Env) error {
		return n.Registry.Unregister(env, from, h)
	})
}

func (n *Node) RegisterCaller(ctx context.Context, from, caller, h common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.registerCaller", func(env *chain.Env) error {
		return n.Registry.RegisterCaller(env, from, caller, h)
	})
}

func (n *Node) UnregisterCaller(ctx context.Context, from, caller common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.unregisterCaller", func(env *chain.Env) error {
		return n.Registry.UnregisterCaller(env, from, caller)
	})
}

func (n *Node) TransferRegistryOwnership(ctx context.Context, from, newOwner common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.transferOwnership", func(env *chain.Env) error {
		return n.Registry.TransferOwnership(env, from, newOwner)
	})
}

func (n *Node) Halt(ctx context.Context, from common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.halt", func(env *chain.Env) error {
		return n.Registry.Halt(env, from)
	})
}

func (n *Node) Unhalt(ctx context.Context, from common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.unhalt", func(env *chain.Env) error {
		return n.Registry.Unhalt(env, from)
	})
}

func (n *Node) Ban(ctx context.Context, from, agent common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.ban", func(env *chain.Env) error {
		return n.Registry.Ban(env, from, agent)
	})
}

func (n *Node) Unban(ctx context.Context, from, agent common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "registry.unban", func(env *chain.Env) error {
		return n.Registry.Unban(env, from, agent)
	})
}

// RegisterRule returns the index assigned to the rule.
func (n *Node) RegisterRule(ctx context.Context, from common.Address, spec feerule.RuleSpec) (uint64, *chain.Receipt, error) {
	rule, err := feerule.NewRuleFromSpec(spec)
	if err != nil {
		return 0, nil, err
	}
	var index uint64
	receipt, err := n.Transact(ctx, from, "feerule.registerRule", func(env *chain.Env) error {
		var err error
		index, err = n.Fees.RegisterRule(env, from, rule)
		return err
	})
	return index, receipt, err
}

func (n *Node) UnregisterRule(ctx context.Context, from common.Address, index uint64) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "feerule.unregisterRule", func(env *chain.Env) error {
		return n.Fees.UnregisterRule(env, from, index)
	})
}

func (n *Node) SetBasisFeeRate(ctx context.Context, from common.Address, rate *uint256.Int) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "feerule.setBasisFeeRate", func(env *chain.Env) error {
		return n.Fees.SetBasisFeeRate(env, from, rate)
	})
}

func (n *Node) SetFeeCollector(ctx context.Context, from, collector common.Address) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "feerule.setFeeCollector", func(env *chain.Env) error {
		return n.Fees.SetFeeCollector(env, from, collector)
	})
}

// Rate evaluates the fee multiplier of account for the given rule indexes.
func (n *Node) Rate(account common.Address, indexes []uint64, withoutBasis bool) (*uint256.Int, error) {
	st := n.Chain.State()
	if withoutBasis {
		return n.Fees.CalcRateMultiWithoutBasis(st, account, indexes)
	}
	return n.Fees.CalcRateMulti(st, account, indexes)
}

// Faucet operations. They mint out of thin air and emit a Transfer from the
// zero address.

func (n *Node) Mint(ctx context.Context, from, asset, account common.Address, amount *uint256.Int) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "ledger.mint", func(env *chain.Env) error {
		if err := env.State().AddBalance(asset, account, amount); err != nil {
			return err
		}
		env.Emit(event.New(asset, "Transfer", "from", common.Address{}.Hex(), "to", account.Hex(), "amount", amount.Dec()))
		return nil
	})
}

func (n *Node) MintNFT(ctx context.Context, from, collection, account common.Address, id *uint256.Int) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "ledger.mintNFT", func(env *chain.Env) error {
		if err := env.State().MintNFT(collection, id, account); err != nil {
			return err
		}
		env.Emit(event.New(collection, "Transfer", "from", common.Address{}.Hex(), "to", account.Hex(), "token_id", id.Dec()))
		return nil
	})
}

func (n *Node) MintMulti(ctx context.Context, from, collection, account common.Address, id, amount *uint256.Int) (*chain.Receipt, error) {
	return n.Transact(ctx, from, "ledger.mintMulti", func(env *chain.Env) error {
		if err := env.State().MintMulti(collection, id, account, amount); err != nil {
			return err
		}
		env.Emit(event.New(collection, "TransferSingle", "from", common.Address{}.Hex(), "to", account.Hex(), "id", id.Dec(), "amount", amount.Dec()))
		return nil
	})
}

func (n *Node) Balance(asset, account common.Address) *uint256.Int {
	return n.Chain.State().Balance(asset, account)
}

func (n *Node) NFTBalance(collection, account common.Address) *uint256.Int {
	return n.Chain.State().NFTBalance(collection, account)
}

func (n *Node) MultiBalance(collection common.Address, id *uint256.Int, account common.Address) *uint256.Int {
	return n.Chain.State().MultiBalance(collection, id, account)
}

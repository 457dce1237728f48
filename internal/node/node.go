// Package node assembles a complete simulated deployment: the chain, the
// handler registry, the fee rule registry, the proxy and the built-in
// handlers. A node can be exported to a Snapshot and reopened from one.
package node

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/feerule"
	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/handler/funds"
	"github.com/ggonzalez94/comboproxy/internal/handler/mock"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
	"github.com/ggonzalez94/comboproxy/internal/proxy"
	"github.com/ggonzalez94/comboproxy/internal/registry"
)

// Account kinds recorded for deployed code.
const (
	KindRegistry = "registry"
	KindFeeRule  = "feerule"
	KindProxy    = "proxy"
	KindFunds    = "handler:funds"
	KindMock     = "handler:mock"
	KindLender   = "lender"
)

const snapshotVersion = 1

// Genesis describes a fresh deployment.
type Genesis struct {
	ChainID   *big.Int
	Owner     common.Address
	BasisRate *uint256.Int
	Collector common.Address
}

type options struct {
	logger   *zap.Logger
	sink     event.Sink
	observer proxy.Observer
	now      func() time.Time
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithSink(sink event.Sink) Option {
	return func(o *options) { o.sink = sink }
}

func WithObserver(observer proxy.Observer) Option {
	return func(o *options) { o.observer = observer }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type Node struct {
	Chain    *chain.Chain
	Registry *registry.Registry
	Fees     *feerule.Registry
	Proxy    *proxy.Proxy

	owner  common.Address
	logger *zap.Logger
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func (o options) chainOptions() []chain.Option {
	out := []chain.Option{chain.WithLogger(o.logger), chain.WithClock(o.now)}
	if o.sink != nil {
		out = append(out, chain.WithSink(o.sink))
	}
	return out
}

func (o options) proxyOptions() []proxy.Option {
	out := []proxy.Option{proxy.WithLogger(o.logger)}
	if o.observer != nil {
		out = append(out, proxy.WithObserver(o.observer))
	}
	return out
}

// New deploys the registry, the fee rule registry and the proxy from the
// owner account, in that order.
func New(g Genesis, opts ...Option) (*Node, error) {
	if g.Owner == (common.Address{}) {
		return nil, clierr.New(clierr.CodeInvalidArgument, "genesis owner is required")
	}
	if g.BasisRate == nil {
		g.BasisRate = new(uint256.Int)
	}
	o := buildOptions(opts)
	c := chain.New(g.ChainID, ledger.New(), o.chainOptions()...)

	regAddr := c.Deploy(g.Owner, KindRegistry, nil, nil)
	reg := registry.New(regAddr, g.Owner)

	feeAddr := c.Deploy(g.Owner, KindFeeRule, nil, nil)
	fees, err := feerule.New(feeAddr, g.Owner, g.BasisRate, g.Collector)
	if err != nil {
		return nil, err
	}

	proxyAddr := c.Deploy(g.Owner, KindProxy, nil, nil)
	p := proxy.New(proxyAddr, reg, fees, o.proxyOptions()...)
	c.Install(proxyAddr, KindProxy, p, nil)

	o.logger.Info("world created",
		zap.String("chain_id", c.ChainID().String()),
		zap.String("owner", g.Owner.Hex()),
		zap.String("registry", regAddr.Hex()),
		zap.String("feerule", feeAddr.Hex()),
		zap.String("proxy", proxyAddr.Hex()),
	)
	return &Node{Chain: c, Registry: reg, Fees: fees, Proxy: p, owner: g.Owner, logger: o.logger}, nil
}

func (n *Node) Owner() common.Address { return n.owner }

// code builds the contract and handler values for an account kind.
func (n *Node) code(kind string) (chain.Contract, handler.Handler, error) {
	switch kind {
	case KindRegistry, KindFeeRule:
		return nil, nil, nil
	case KindProxy:
		return n.Proxy, nil, nil
	case KindFunds:
		return nil, funds.New(), nil
	case KindMock:
		return nil, mock.New(), nil
	case KindLender:
		return mock.Lender{}, nil, nil
	default:
		return nil, nil, clierr.Newf(clierr.CodeInvalidArgument, "unknown account kind %q", kind)
	}
}

// HandlerKind maps the CLI handler names to account kinds. The kinds
// themselves are accepted too.
func HandlerKind(name string) (string, error) {
	switch name {
	case "funds", KindFunds:
		return KindFunds, nil
	case "mock", KindMock:
		return KindMock, nil
	case KindLender:
		return KindLender, nil
	default:
		return "", clierr.Newf(clierr.CodeUsage, "unsupported handler kind %q (expected funds|mock|lender)", name)
	}
}

// Deploy places new code of kind at the next CREATE address of deployer.
// Deployment does not register anything.
func (n *Node) Deploy(deployer common.Address, kind string) (common.Address, error) {
	contract, h, err := n.code(kind)
	if err != nil {
		return common.Address{}, err
	}
	if kind == KindProxy || kind == KindRegistry || kind == KindFeeRule {
		return common.Address{}, clierr.Newf(clierr.CodeInvalidArgument, "%s is deployed once at genesis", kind)
	}
	addr := n.Chain.Deploy(deployer, kind, contract, h)
	n.logger.Info("deployed", zap.String("kind", kind), zap.String("address", addr.Hex()))
	return addr, nil
}

// Router returns the ABI router of the handler deployed at addr.
func (n *Node) Router(addr common.Address) (*handler.Router, error) {
	acc, ok := n.Chain.Account(addr)
	if !ok || acc.Handler == nil {
		return nil, clierr.Newf(clierr.CodeNotFound, "no handler deployed at %s", addr.Hex())
	}
	switch h := acc.Handler.(type) {
	case *funds.Handler:
		return h.Router, nil
	case *mock.Handler:
		return h.Router, nil
	default:
		return nil, clierr.Newf(clierr.CodeInvalidArgument, "handler %s has no router", h.Name())
	}
}

// Transact runs fn as one transaction from from.
func (n *Node) Transact(ctx context.Context, from common.Address, label string, fn func(env *chain.Env) error) (*chain.Receipt, error) {
	return n.Chain.Transact(ctx, from, label, func(env *chain.Env) ([]byte, error) {
		return nil, fn(env)
	})
}

// BatchExec submits a batch through the proxy's ABI entry point.
func (n *Node) BatchExec(ctx context.Context, from common.Address, value *uint256.Int, steps []batch.Step, ruleIndexes []uint64) (*chain.Receipt, error) {
	data, err := batch.EncodeBatchExec(steps, ruleIndexes)
	if err != nil {
		return nil, err
	}
	return n.Chain.Call(ctx, from, n.Proxy.Address(), value, data)
}

// SendTransaction applies a signed transaction.
func (n *Node) SendTransaction(ctx context.Context, tx *types.Transaction) (*chain.Receipt, error) {
	return n.Chain.SendTransaction(ctx, tx)
}

// Snapshot is the persisted form of a whole world.
type Snapshot struct {
	Version  int               `json:"version"`
	ChainID  string            `json:"chain_id"`
	Block    uint64            `json:"block"`
	Owner    common.Address    `json:"owner"`
	Proxy    common.Address    `json:"proxy"`
	Accounts []AccountEntry    `json:"accounts"`
	Registry registry.Snapshot `json:"registry"`
	FeeRules feerule.Snapshot  `json:"fee_rules"`
	Ledger   ledger.Dump       `json:"ledger"`
}

type AccountEntry struct {
	Address common.Address `json:"address"`
	Kind    string         `json:"kind"`
}

func (n *Node) Export() Snapshot {
	snap := Snapshot{
		Version:  snapshotVersion,
		ChainID:  n.Chain.ChainID().String(),
		Block:    n.Chain.Block(),
		Owner:    n.owner,
		Proxy:    n.Proxy.Address(),
		Registry: n.Registry.Export(),
		FeeRules: n.Fees.Export(),
		Ledger:   n.Chain.State().Dump(),
	}
	for _, acc := range n.Chain.Accounts() {
		snap.Accounts = append(snap.Accounts, AccountEntry{Address: acc.Address, Kind: acc.Kind})
	}
	return snap
}

// StateHash is the keccak256 of the exported world, excluding the block
// height.
func (n *Node) StateHash() common.Hash {
	return SnapshotHash(n.Export())
}

func SnapshotHash(snap Snapshot) common.Hash {
	snap.Block = 0
	buf, _ := json.Marshal(snap)
	return crypto.Keccak256Hash(buf)
}

// Open rebuilds a node from a snapshot.
func Open(snap Snapshot, opts ...Option) (*Node, error) {
	if snap.Version != snapshotVersion {
		return nil, clierr.Newf(clierr.CodeInvalidArgument, "unsupported snapshot version %d", snap.Version)
	}
	chainID, ok := new(big.Int).SetString(snap.ChainID, 10)
	if !ok {
		return nil, clierr.Newf(clierr.CodeInvalidArgument, "invalid chain id %q", snap.ChainID)
	}
	st, err := ledger.Load(snap.Ledger)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidArgument, "load ledger", err)
	}
	reg, err := registry.Import(snap.Registry)
	if err != nil {
		return nil, err
	}
	fees, err := feerule.Import(snap.FeeRules)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	c := chain.New(chainID, st, o.chainOptions()...)
	c.SetBlock(snap.Block)
	n := &Node{
		Chain:    c,
		Registry: reg,
		Fees:     fees,
		Proxy:    proxy.New(snap.Proxy, reg, fees, o.proxyOptions()...),
		owner:    snap.Owner,
		logger:   o.logger,
	}
	for _, acc := range snap.Accounts {
		contract, h, err := n.code(acc.Kind)
		if err != nil {
			return nil, err
		}
		if acc.Kind == KindProxy && acc.Address != snap.Proxy {
			return nil, clierr.Newf(clierr.CodeInvalidArgument, "proxy account %s does not match %s", acc.Address.Hex(), snap.Proxy.Hex())
		}
		c.Install(acc.Address, acc.Kind, contract, h)
	}
	if _, ok := c.Account(snap.Proxy); !ok {
		return nil, clierr.New(clierr.CodeInvalidArgument, "snapshot has no proxy account")
	}
	return n, nil
}

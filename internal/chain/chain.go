// Package chain executes simulated transactions against a ledger. Each
// transaction runs under a journal snapshot: on error every state change,
// including those recorded by registries outside the ledger, is undone and
// buffered events are discarded.
package chain

import (
	"context"
	"encoding/binary"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

const maxCallDepth = 1024

// Contract is code that can be called directly at an address.
type Contract interface {
	Call(ctx context.Context, env *Env, msg Message) ([]byte, error)
}

type Message struct {
	From  common.Address
	To    common.Address
	Value *uint256.Int
	Data  []byte
}

// Account is deployed code. Contract is set for directly callable code,
// Handler for logic that only runs inside a caller's context.
type Account struct {
	Address  common.Address
	Kind     string
	Contract Contract
	Handler  handler.Handler
}

type Option func(*Chain)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithSink(sink event.Sink) Option {
	return func(c *Chain) { c.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

type Chain struct {
	mu       sync.Mutex
	chainID  *big.Int
	state    *ledger.State
	accounts map[common.Address]*Account
	block    uint64
	logger   *zap.Logger
	sink     event.Sink
	now      func() time.Time
}

func New(chainID *big.Int, state *ledger.State, opts ...Option) *Chain {
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	if state == nil {
		state = ledger.New()
	}
	c := &Chain{
		chainID:  new(big.Int).Set(chainID),
		state:    state,
		accounts: make(map[common.Address]*Account),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Chain) State() *ledger.State { return c.state }

func (c *Chain) Block() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// SetBlock restores the block height of a persisted world.
func (c *Chain) SetBlock(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = n
}

func (c *Chain) SetSink(sink event.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Deploy places code at the next CREATE address of deployer.
func (c *Chain) Deploy(deployer common.Address, kind string, contract Contract, h handler.Handler) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := crypto.CreateAddress(deployer, c.state.Nonce(deployer))
	c.state.IncNonce(deployer)
	c.state.Commit()
	c.accounts[addr] = &Account{Address: addr, Kind: kind, Contract: contract, Handler: h}
	c.logger.Debug("deploy", zap.String("kind", kind), zap.String("address", addr.Hex()), zap.String("deployer", deployer.Hex()))
	return addr
}

// Install places code at a known address, used when restoring a world.
func (c *Chain) Install(addr common.Address, kind string, contract Contract, h handler.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[addr] = &Account{Address: addr, Kind: kind, Contract: contract, Handler: h}
}

func (c *Chain) Account(addr common.Address) (*Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc, ok := c.accounts[addr]
	return acc, ok
}

// Accounts lists deployed code sorted by address.
func (c *Chain) Accounts() []Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Account, 0, len(c.accounts))
	for _, acc := range c.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// Transact runs fn as one atomic transaction sent by from. The receipt is
// returned in both outcomes; err is the transaction's failure, if any.
func (c *Chain) Transact(ctx context.Context, from common.Address, label string, fn func(env *Env) ([]byte, error)) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := c.state.Nonce(from)
	hash := crypto.Keccak256Hash(from.Bytes(), u64(nonce), []byte(label), u64(c.block+1))
	return c.apply(ctx, from, nil, hash, label, fn)
}

// Call performs a transaction-shaped call to a contract address.
func (c *Chain) Call(ctx context.Context, from, to common.Address, value *uint256.Int, data []byte) (*Receipt, error) {
	return c.Transact(ctx, from, methodLabel(data), func(env *Env) ([]byte, error) {
		return env.Call(ctx, from, to, value, data)
	})
}

// SendTransaction applies a signed transaction. The sender is recovered from
// the signature and the nonce must match the sender's account nonce.
func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	signer := types.LatestSignerForChainID(c.chainID)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidArgument, "recover transaction sender", err)
	}
	if tx.To() == nil {
		return nil, clierr.New(clierr.CodeInvalidArgument, "contract creation transactions are not supported")
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return nil, clierr.New(clierr.CodeInvalidArgument, "transaction value overflows uint256")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if want := c.state.Nonce(from); tx.Nonce() != want {
		return nil, clierr.Newf(clierr.CodeInvalidArgument, "nonce mismatch for %s: have %d, want %d", from.Hex(), tx.Nonce(), want)
	}
	to := *tx.To()
	data := tx.Data()
	return c.apply(ctx, from, &to, tx.Hash(), methodLabel(data), func(env *Env) ([]byte, error) {
		return env.Call(ctx, from, to, value, data)
	})
}

func (c *Chain) apply(ctx context.Context, from common.Address, to *common.Address, hash common.Hash, label string, fn func(env *Env) ([]byte, error)) (*Receipt, error) {
	c.block++
	env := &Env{chain: c, origin: from, txHash: hash, block: c.block}
	snap := c.state.Snapshot()
	ret, err := fn(env)
	if err != nil {
		c.state.RevertToSnapshot(snap)
		env.logs = nil
	}
	c.state.IncNonce(from)
	c.state.Commit()

	for i := range env.logs {
		env.logs[i].TxHash = hash
		env.logs[i].Block = c.block
		env.logs[i].Index = i
	}
	receipt := &Receipt{
		ID:         uuid.NewString(),
		TxHash:     hash,
		Block:      c.block,
		From:       from,
		To:         to,
		Method:     label,
		Status:     ReceiptStatusSuccessful,
		Return:     ret,
		Logs:       env.logs,
		LedgerRoot: c.state.Hash(),
		CreatedAt:  c.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		receipt.Status = ReceiptStatusFailed
		receipt.Return = nil
		receipt.Error = newReceiptError(err)
		c.logger.Info("transaction reverted",
			zap.String("tx", hash.Hex()),
			zap.String("from", from.Hex()),
			zap.String("method", label),
			zap.Error(err),
		)
		return receipt, err
	}
	c.logger.Debug("transaction applied",
		zap.String("tx", hash.Hex()),
		zap.String("from", from.Hex()),
		zap.String("method", label),
		zap.Int("logs", len(env.logs)),
	)
	if c.sink != nil && len(env.logs) > 0 {
		if werr := c.sink.Write(ctx, env.logs); werr != nil {
			c.logger.Warn("event sink write failed", zap.String("tx", hash.Hex()), zap.Error(werr))
		}
	}
	return receipt, nil
}

// Env is the execution environment of one transaction.
type Env struct {
	chain  *Chain
	origin common.Address
	txHash common.Hash
	block  uint64
	depth  int
	logs   []event.Log
}

func (e *Env) Origin() common.Address { return e.origin }

func (e *Env) TxHash() common.Hash { return e.txHash }

func (e *Env) BlockNumber() uint64 { return e.block }

func (e *Env) State() *ledger.State { return e.chain.state }

func (e *Env) Logger() *zap.Logger { return e.chain.logger }

// Record adds an undo entry to the transaction journal.
func (e *Env) Record(undo func()) { e.chain.state.Record(undo) }

func (e *Env) Emit(l event.Log) {
	n := len(e.logs)
	e.logs = append(e.logs, l)
	e.chain.state.Record(func() { e.logs = e.logs[:n] })
}

// Logs returns the events buffered so far in this transaction.
func (e *Env) Logs() []event.Log {
	return append([]event.Log(nil), e.logs...)
}

func (e *Env) IsContract(addr common.Address) bool {
	_, ok := e.chain.accounts[addr]
	return ok
}

// Code returns the account deployed at addr, if any.
func (e *Env) Code(addr common.Address) (*Account, bool) {
	acc, ok := e.chain.accounts[addr]
	return acc, ok
}

// Call transfers value and invokes the contract at to. A failed call reverts
// only its own effects before the error is returned to the caller.
func (e *Env) Call(ctx context.Context, from, to common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	if e.depth >= maxCallDepth {
		return nil, clierr.New(clierr.CodeReverted, "max call depth exceeded")
	}
	if value == nil {
		value = new(uint256.Int)
	}
	snap := e.chain.state.Snapshot()
	if err := e.chain.state.Transfer(ledger.NativeToken, from, to, value); err != nil {
		e.chain.state.RevertToSnapshot(snap)
		return nil, err
	}
	acc, ok := e.chain.accounts[to]
	if !ok || acc.Contract == nil {
		return nil, nil
	}
	e.depth++
	ret, err := acc.Contract.Call(ctx, e, Message{From: from, To: to, Value: value, Data: data})
	e.depth--
	if err != nil {
		e.chain.state.RevertToSnapshot(snap)
		return nil, err
	}
	return ret, nil
}

const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

type Receipt struct {
	ID         string          `json:"id"`
	TxHash     common.Hash     `json:"tx_hash"`
	Block      uint64          `json:"block"`
	From       common.Address  `json:"from"`
	To         *common.Address `json:"to,omitempty"`
	Method     string          `json:"method"`
	Status     uint64          `json:"status"`
	Return     hexutil.Bytes   `json:"return,omitempty"`
	Logs       []event.Log     `json:"logs"`
	Error      *ReceiptError   `json:"error,omitempty"`
	LedgerRoot common.Hash     `json:"ledger_root"`
	CreatedAt  string          `json:"created_at"`
}

type ReceiptError struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newReceiptError(err error) *ReceiptError {
	code := clierr.ExitCode(err)
	return &ReceiptError{Code: code, Type: clierr.TypeName(clierr.Code(code)), Message: err.Error()}
}

func methodLabel(data []byte) string {
	if len(data) < 4 {
		if len(data) == 0 {
			return "receive"
		}
		return "fallback"
	}
	if m, err := batch.ProxyABI.MethodById(data[:4]); err == nil {
		return m.Name
	}
	return hexutil.Encode(data[:4])
}

func u64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

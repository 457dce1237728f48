// Package proxy implements the batch dispatcher. A batch runs its steps in
// order against registered handlers, all sharing the proxy's balances and
// storage, and fails as a whole when any step fails.
//
// The proxy is IDLE between transactions. While a batch runs it keeps a frame
// holding the original sender and the handler currently executing; a nested
// entry is only admitted from a caller the registry binds to that handler.
package proxy

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/feerule"
	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
	"github.com/ggonzalez94/comboproxy/internal/registry"
)

// maxPostProcessHooks bounds the hooks one batch may run, rescheduled ones
// included.
const maxPostProcessHooks = 256

// Observer receives dispatch activity. Implementations must not fail.
type Observer interface {
	BatchDone(method string, steps int, err error)
	StepDone(handler string, err error)
	FeeCharged(asset common.Address, amount *uint256.Int)
	ReentrancyDenied()
}

type nopObserver struct{}

func (nopObserver) BatchDone(string, int, error) {}

func (nopObserver) StepDone(string, error) {}

func (nopObserver) FeeCharged(common.Address, *uint256.Int) {}

func (nopObserver) ReentrancyDenied() {}

type Option func(*Proxy)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Proxy) {
		if o != nil {
			p.observer = o
		}
	}
}

type Proxy struct {
	address  common.Address
	registry *registry.Registry
	fees     *feerule.Registry
	logger   *zap.Logger
	observer Observer

	frame *frame
}

// frame is the per-transaction dispatch state. It is never persisted.
type frame struct {
	sender        common.Address
	currentTarget common.Address
	ruleIndexes   []uint64
	depth         int
	tokens        []common.Address
	hooks         []common.Address
}

func New(address common.Address, reg *registry.Registry, fees *feerule.Registry, opts ...Option) *Proxy {
	p := &Proxy{
		address:  address,
		registry: reg,
		fees:     fees,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) Address() common.Address { return p.address }

func (p *Proxy) Registry() *registry.Registry { return p.registry }

func (p *Proxy) FeeRules() *feerule.Registry { return p.fees }

// Dispatching reports whether a batch is in flight.
func (p *Proxy) Dispatching() bool { return p.frame != nil }

// Call is the ABI entry point used when the proxy is reached through a
// transaction or a contract call.
func (p *Proxy) Call(ctx context.Context, env *chain.Env, msg chain.Message) ([]byte, error) {
	if len(msg.Data) == 0 {
		if !env.IsContract(msg.From) {
			return nil, clierr.New(clierr.CodeReverted, "Not allowed from EOA")
		}
		return nil, nil
	}
	call, ok, err := batch.Decode(msg.Data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.Callback(ctx, env, msg.From, msg.Value, msg.Data)
	}
	method := batch.ProxyABI.Methods[call.Method]
	switch call.Method {
	case "execute":
		ret, err := p.Execute(ctx, env, msg.From, msg.Value, call.Steps[0])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(ret)
	case "execs":
		results, err := p.Execs(ctx, env, msg.From, call.Steps)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(results)
	default:
		results, err := p.BatchExec(ctx, env, msg.From, msg.Value, call.Steps, call.RuleIndexes)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(results)
	}
}

// Execute runs a one-step batch without fee rules.
func (p *Proxy) Execute(ctx context.Context, env *chain.Env, caller common.Address, value *uint256.Int, step batch.Step) ([]byte, error) {
	results, err := p.dispatch(ctx, env, "execute", caller, value, []batch.Step{step}, nil)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// BatchExec runs steps in order and returns one result per step.
func (p *Proxy) BatchExec(ctx context.Context, env *chain.Env, caller common.Address, value *uint256.Int, steps []batch.Step, ruleIndexes []uint64) ([][]byte, error) {
	return p.dispatch(ctx, env, "batchExec", caller, value, steps, ruleIndexes)
}

// Execs runs steps inside the current batch. Only the proxy itself may call
// it, and only while a batch is in flight.
func (p *Proxy) Execs(ctx context.Context, env *chain.Env, caller common.Address, steps []batch.Step) ([][]byte, error) {
	if p.frame == nil {
		return nil, clierr.New(clierr.CodeReverted, "Sender is not initialized")
	}
	if caller != p.address {
		return nil, clierr.New(clierr.CodeUnauthorized, "Does not allow external calls")
	}
	results, err := p.execs(ctx, env, steps, p.frame.ruleIndexes)
	p.observer.BatchDone("execs", len(steps), err)
	return results, err
}

// Callback forwards data to the handler bound to caller, which must be the
// handler currently executing.
func (p *Proxy) Callback(ctx context.Context, env *chain.Env, caller common.Address, _ *uint256.Int, data []byte) ([]byte, error) {
	ok, bound := p.registry.IsValidCaller(caller)
	if p.frame == nil || !ok {
		return nil, clierr.New(clierr.CodeUnauthorized, "Invalid caller")
	}
	if bound != p.frame.currentTarget {
		p.observer.ReentrancyDenied()
		return nil, clierr.Newf(clierr.CodeReentrancyDenied, "Reentrancy denied: %s is bound to %s, executing %s", caller.Hex(), bound.Hex(), p.frame.currentTarget.Hex())
	}
	h, err := p.handlerAt(env, bound)
	if err != nil {
		return nil, err
	}
	ret, err := h.Exec(ctx, &hctx{p: p, env: env}, data)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (p *Proxy) dispatch(ctx context.Context, env *chain.Env, method string, caller common.Address, value *uint256.Int, steps []batch.Step, ruleIndexes []uint64) (results [][]byte, err error) {
	defer func() { p.observer.BatchDone(method, len(steps), err) }()

	if p.registry.IsHalted() {
		return nil, clierr.New(clierr.CodeHalted, "Halted")
	}
	if p.registry.IsBanned(p.address) {
		return nil, clierr.New(clierr.CodeBanned, "Banned")
	}

	if p.frame != nil {
		ok, bound := p.registry.IsValidCaller(caller)
		if !ok || bound != p.frame.currentTarget {
			p.observer.ReentrancyDenied()
			return nil, clierr.Newf(clierr.CodeReentrancyDenied, "Reentrancy denied: caller %s may not enter while %s is executing", caller.Hex(), p.frame.currentTarget.Hex())
		}
		p.frame.depth++
		defer func() { p.frame.depth-- }()
		return p.execs(ctx, env, steps, ruleIndexes)
	}

	p.frame = &frame{sender: caller, ruleIndexes: append([]uint64(nil), ruleIndexes...)}
	defer func() { p.frame = nil }()

	p.logger.Debug("batch begin",
		zap.String("method", method),
		zap.String("sender", caller.Hex()),
		zap.Int("steps", len(steps)),
		zap.Uint64s("rules", ruleIndexes),
	)
	if err := p.preProcess(env, method, value, ruleIndexes); err != nil {
		return nil, err
	}
	results, err = p.execs(ctx, env, steps, ruleIndexes)
	if err != nil {
		p.logger.Debug("batch failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	if err := p.postProcess(ctx, env); err != nil {
		return nil, err
	}
	p.logger.Debug("batch end", zap.String("method", method), zap.Int("results", len(results)))
	return results, nil
}

// preProcess charges the native fee on the value sent with a batchExec.
// Without rule indexes the basis rate applies.
func (p *Proxy) preProcess(env *chain.Env, method string, value *uint256.Int, ruleIndexes []uint64) error {
	if method != "batchExec" || value == nil || value.IsZero() {
		return nil
	}
	rate, err := p.fees.CalcRateMulti(env.State(), p.frame.sender, ruleIndexes)
	if err != nil {
		return err
	}
	fee, err := feerule.Fee(value, rate)
	if err != nil {
		return err
	}
	return p.chargeFee(env, ledger.NativeToken, fee)
}

func (p *Proxy) execs(ctx context.Context, env *chain.Env, steps []batch.Step, ruleIndexes []uint64) ([][]byte, error) {
	var stack batch.Stack
	results := make([][]byte, 0, len(steps))
	for i, step := range steps {
		ret, err := p.execStep(ctx, env, i, step, &stack, ruleIndexes)
		if err != nil {
			return nil, err
		}
		results = append(results, ret)
	}
	return results, nil
}

func (p *Proxy) execStep(ctx context.Context, env *chain.Env, i int, step batch.Step, stack *batch.Stack, ruleIndexes []uint64) ([]byte, error) {
	if !p.registry.IsValidHandler(step.Target) {
		return nil, clierr.Newf(clierr.CodeUnknownHandler, "%d_Invalid handler %s", i, step.Target.Hex())
	}
	if err := step.Fee.Validate(); err != nil {
		return nil, err
	}
	h, err := p.handlerAt(env, step.Target)
	if err != nil {
		return nil, err
	}

	data := append([]byte(nil), step.Data...)
	if !step.Config.IsStatic() {
		if err := stack.Trim(data, step.Config); err != nil {
			return nil, err
		}
	}
	selector := selectorHex(data)
	env.Emit(event.New(p.address, "LogBegin", "handler", step.Target.Hex(), "selector", selector).WithData(data))

	prev := p.frame.currentTarget
	p.frame.currentTarget = step.Target
	ret, err := h.Exec(ctx, &hctx{p: p, env: env}, data)
	p.frame.currentTarget = prev
	p.observer.StepDone(h.Name(), err)
	if err != nil {
		return nil, stepError(i, err)
	}

	if n := step.Config.ReturnNum(); n > 0 {
		pushed, err := stack.Parse(ret)
		if err != nil {
			return nil, err
		}
		if pushed != n {
			return nil, clierr.New(clierr.CodeReverted, "Return num and parsed return num not matched")
		}
	}

	if step.Fee.Kind != batch.FeeNone && len(ruleIndexes) > 0 {
		if err := p.skimFee(env, step.Fee, ruleIndexes); err != nil {
			return nil, err
		}
	}

	env.Emit(event.New(p.address, "LogEnd", "handler", step.Target.Hex(), "selector", selector).WithData(ret))
	return ret, nil
}

// skimFee charges the fee of one step. The rate is evaluated against the
// state left by the step's handler.
func (p *Proxy) skimFee(env *chain.Env, action batch.FeeAction, ruleIndexes []uint64) error {
	rate, err := p.fees.CalcRateMulti(env.State(), p.frame.sender, ruleIndexes)
	if err != nil {
		return err
	}
	for _, asset := range action.Assets() {
		holding := env.State().Balance(asset, p.address)
		base := holding
		if !action.Whole() {
			if action.Amount.Gt(holding) {
				return clierr.Newf(clierr.CodeInsufficientAssetForFee, "insufficient %s for fee: have %s, need %s", asset.Hex(), holding.Dec(), action.Amount.Dec())
			}
			base = action.Amount
		}
		fee, err := feerule.Fee(base, rate)
		if err != nil {
			return err
		}
		if err := p.chargeFee(env, asset, fee); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxy) chargeFee(env *chain.Env, asset common.Address, fee *uint256.Int) error {
	if fee.IsZero() {
		return nil
	}
	collector := p.fees.FeeCollector()
	if err := env.State().Transfer(asset, p.address, collector, fee); err != nil {
		return clierr.Wrap(clierr.CodeInsufficientAssetForFee, "charge fee", err)
	}
	env.Emit(event.New(p.address, "ChargeFee", "token", asset.Hex(), "amount", fee.Dec(), "collector", collector.Hex()))
	p.observer.FeeCharged(asset, fee)
	return nil
}

// postProcess runs the scheduled handler hooks until none are left, then
// refunds every marked asset the proxy still holds to the sender. A hook may
// schedule further hooks.
func (p *Proxy) postProcess(ctx context.Context, env *chain.Env) error {
	hc := &hctx{p: p, env: env}
	for i := 0; i < len(p.frame.hooks); i++ {
		if i >= maxPostProcessHooks {
			return clierr.Newf(clierr.CodeHandlerFailed, "postProcess_too many hooks: %d", len(p.frame.hooks))
		}
		target := p.frame.hooks[i]
		h, err := p.handlerAt(env, target)
		if err != nil {
			return err
		}
		pp, ok := h.(handler.PostProcessor)
		if !ok {
			return clierr.Newf(clierr.CodeHandlerFailed, "%s has no post process", h.Name())
		}
		p.frame.currentTarget = target
		err = pp.PostProcess(ctx, hc)
		p.frame.currentTarget = common.Address{}
		if err != nil {
			return clierr.Prefixed(clierr.CodeHandlerFailed, "postProcess_", err)
		}
	}

	seen := make(map[common.Address]bool, len(p.frame.tokens))
	for _, token := range p.frame.tokens {
		if seen[token] {
			continue
		}
		seen[token] = true
		balance := env.State().Balance(token, p.address)
		if balance.IsZero() {
			continue
		}
		if handler.IsNative(token) {
			if _, err := env.Call(ctx, p.address, p.frame.sender, balance, nil); err != nil {
				return clierr.Wrap(clierr.CodeReverted, "refund native", err)
			}
			continue
		}
		if err := handler.Transfer(hc, token, p.address, p.frame.sender, balance); err != nil {
			return clierr.Wrap(clierr.CodeReverted, "refund "+token.Hex(), err)
		}
	}
	return nil
}

func (p *Proxy) handlerAt(env *chain.Env, addr common.Address) (handler.Handler, error) {
	acc, ok := env.Code(addr)
	if !ok || acc.Handler == nil {
		return nil, clierr.Newf(clierr.CodeUnknownHandler, "no handler code at %s", addr.Hex())
	}
	return acc.Handler, nil
}

// stepError prefixes err with the step index. Dispatcher-level codes raised
// inside the handler survive; anything else becomes a handler failure.
func stepError(i int, err error) error {
	code := clierr.CodeHandlerFailed
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeReentrancyDenied, clierr.CodeUnknownHandler, clierr.CodeHalted, clierr.CodeBanned,
			clierr.CodeIndexOutOfRange, clierr.CodeInsufficientAssetForFee:
			code = cErr.Code
		}
	}
	return clierr.Prefixed(code, fmt.Sprintf("%d_", i), err)
}

func selectorHex(data []byte) string {
	var sel [4]byte
	copy(sel[:], data)
	return hexutil.Encode(sel[:])
}

package proxy

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/feerule"
	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/handler/funds"
	"github.com/ggonzalez94/comboproxy/internal/handler/mock"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
	"github.com/ggonzalez94/comboproxy/internal/registry"
)

const ether = 1_000_000_000_000_000_000

var (
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	user         = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	collector    = common.HexToAddress("0x000000000000000000000000000000000000c011")
	receiver     = common.HexToAddress("0x000000000000000000000000000000000000000f")
	proxyAddr    = common.HexToAddress("0x0000000000000000000000000000000000001000")
	registryAddr = common.HexToAddress("0x0000000000000000000000000000000000001001")
	feeAddr      = common.HexToAddress("0x0000000000000000000000000000000000001002")
	fundsAddr    = common.HexToAddress("0x0000000000000000000000000000000000002001")
	mockAddr     = common.HexToAddress("0x0000000000000000000000000000000000002002")
	chainedAddr  = common.HexToAddress("0x0000000000000000000000000000000000002003")
	lenderAddr   = common.HexToAddress("0x0000000000000000000000000000000000003001")
	token        = common.HexToAddress("0x00000000000000000000000000000000000070c1")
	nft          = common.HexToAddress("0x000000000000000000000000000000000000a721")
)

// basisRate is 0.2%.
var basisRate = uint256.NewInt(2_000_000_000_000_000)

type world struct {
	t     *testing.T
	chain *chain.Chain
	state *ledger.State
	reg   *registry.Registry
	fees  *feerule.Registry
	proxy *Proxy
}

func newWorld(t *testing.T, opts ...Option) *world {
	t.Helper()
	st := ledger.New()
	c := chain.New(big.NewInt(1), st)
	reg := registry.New(registryAddr, owner)
	fees, err := feerule.New(feeAddr, owner, basisRate, collector)
	if err != nil {
		t.Fatalf("feerule.New failed: %v", err)
	}
	p := New(proxyAddr, reg, fees, opts...)
	c.Install(proxyAddr, "proxy", p, nil)
	c.Install(fundsAddr, "handler:funds", nil, funds.New())
	c.Install(mockAddr, "handler:mock", nil, mock.New())
	c.Install(lenderAddr, "lender", mock.Lender{}, nil)

	w := &world{t: t, chain: c, state: st, reg: reg, fees: fees, proxy: p}
	w.admin(func(env *chain.Env) error {
		return reg.Register(env, owner, mockAddr, registry.InfoFromString("Mock"))
	})
	w.admin(func(env *chain.Env) error {
		return reg.Register(env, owner, fundsAddr, registry.InfoFromString("HFunds"))
	})
	return w
}

func (w *world) admin(fn func(env *chain.Env) error) {
	w.t.Helper()
	_, err := w.chain.Transact(context.Background(), owner, "admin", func(env *chain.Env) ([]byte, error) {
		return nil, fn(env)
	})
	if err != nil {
		w.t.Fatalf("admin transaction failed: %v", err)
	}
}

func (w *world) mint(asset, holder common.Address, amount *uint256.Int) {
	w.t.Helper()
	if err := w.state.AddBalance(asset, holder, amount); err != nil {
		w.t.Fatalf("mint failed: %v", err)
	}
	w.state.Commit()
}

func (w *world) registerNFTRule() {
	w.t.Helper()
	rule, err := feerule.NewRuleFromSpec(feerule.RuleSpec{Kind: feerule.KindERC721, Asset: nft, Discount: "50000000000000000"})
	if err != nil {
		w.t.Fatalf("NewRuleFromSpec failed: %v", err)
	}
	w.admin(func(env *chain.Env) error {
		_, err := w.fees.RegisterRule(env, owner, rule)
		return err
	})
}

func (w *world) exec(from common.Address, value *uint256.Int, steps []batch.Step, rules []uint64) (*chain.Receipt, error) {
	w.t.Helper()
	data, err := batch.EncodeBatchExec(steps, rules)
	if err != nil {
		w.t.Fatalf("EncodeBatchExec failed: %v", err)
	}
	return w.chain.Call(context.Background(), from, proxyAddr, value, data)
}

func (w *world) balance(asset, holder common.Address) *uint256.Int {
	return w.state.Balance(asset, holder)
}

func (w *world) counter(slot common.Hash) uint64 {
	return new(uint256.Int).SetBytes(w.state.Storage(proxyAddr, slot).Bytes()).Uint64()
}

func step(target common.Address, data []byte) batch.Step {
	return batch.Step{Target: target, Config: batch.StaticConfig(0), Data: data}
}

func ethers(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(ether))
}

func mustEncode(t *testing.T, steps []batch.Step) []byte {
	t.Helper()
	data, err := batch.EncodeBatchExec(steps, nil)
	if err != nil {
		t.Fatalf("EncodeBatchExec failed: %v", err)
	}
	return data
}

func selectorOf(data []byte) string { return hexutil.Encode(data[:4]) }

func TestMockDrainEndToEnd(t *testing.T) {
	w := newWorld(t)
	w.mint(ledger.NativeToken, proxyAddr, ethers(10))
	v := ethers(3)
	beforeF := w.balance(ledger.NativeToken, receiver)
	beforeP := w.balance(ledger.NativeToken, proxyAddr)

	receipt, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Drain(receiver, v))}, nil)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if receipt.Status != chain.ReceiptStatusSuccessful {
		t.Fatalf("unexpected status %d", receipt.Status)
	}
	gotF := new(uint256.Int).Sub(w.balance(ledger.NativeToken, receiver), beforeF)
	gotP := new(uint256.Int).Sub(beforeP, w.balance(ledger.NativeToken, proxyAddr))
	if !gotF.Eq(v) || !gotP.Eq(v) {
		t.Fatalf("expected exact movement of %s, receiver +%s proxy -%s", v.Dec(), gotF.Dec(), gotP.Dec())
	}
	if n := len(event.Filter(receipt.Logs, "ChargeFee")); n != 0 {
		t.Fatalf("expected no fee without rule indexes, got %d ChargeFee events", n)
	}
	out, err := DecodeHandlerReturn(receipt.Logs, "uint256")
	if err != nil {
		t.Fatalf("DecodeHandlerReturn failed: %v", err)
	}
	if got := out[0].(*big.Int); got.Cmp(v.ToBig()) != 0 {
		t.Fatalf("unexpected handler return %s", got)
	}
	results, err := batch.ProxyABI.Methods["batchExec"].Outputs.Unpack(receipt.Return)
	if err != nil {
		t.Fatalf("unpack results: %v", err)
	}
	if got := results[0].([][]byte); len(got) != 1 {
		t.Fatalf("expected one result, got %d", len(got))
	}
}

func TestUnknownHandlerLeavesBalancesUnchanged(t *testing.T) {
	w := newWorld(t)
	w.mint(ledger.NativeToken, proxyAddr, ethers(10))
	before := w.state.HoldingsHash()

	stranger := common.HexToAddress("0x000000000000000000000000000000000000dead")
	receipt, err := w.exec(user, nil, []batch.Step{
		step(mockAddr, mock.Drain(receiver, ethers(1))),
		step(stranger, mock.Bar(1)),
	}, nil)
	if !clierr.HasCode(err, clierr.CodeUnknownHandler) {
		t.Fatalf("expected unknown handler, got %v", err)
	}
	if receipt == nil || receipt.Status != chain.ReceiptStatusFailed || receipt.Error == nil || receipt.Error.Type != "unknown_handler" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if w.state.HoldingsHash() != before {
		t.Fatal("expected balances to be unchanged after unknown handler")
	}
}

func TestFailingStepRollsBackWholeBatch(t *testing.T) {
	w := newWorld(t)
	w.mint(ledger.NativeToken, proxyAddr, ethers(10))
	before := w.state.HoldingsHash()

	receipt, err := w.exec(user, nil, []batch.Step{
		step(mockAddr, mock.Bar(5)),
		step(mockAddr, mock.Drain(receiver, ethers(1))),
		step(mockAddr, mock.Fail("boom")),
	}, nil)
	if !clierr.HasCode(err, clierr.CodeHandlerFailed) {
		t.Fatalf("expected handler failure, got %v", err)
	}
	if err.Error() != "2_HMock_fail: boom" {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
	if w.state.HoldingsHash() != before {
		t.Fatal("expected state hash to match the pre-transaction snapshot")
	}
	if w.counter(mock.CounterSlot) != 0 {
		t.Fatal("expected storage write of step 0 to be rolled back")
	}
	if len(receipt.Logs) != 0 {
		t.Fatalf("expected no committed events, got %d", len(receipt.Logs))
	}
	if w.proxy.Dispatching() {
		t.Fatal("expected the proxy to be idle after a failed batch")
	}
}

func TestReentrancyDenied(t *testing.T) {
	w := newWorld(t)
	nested := mustEncode(t, []batch.Step{step(mockAddr, mock.Bar(1))})

	_, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Reenter(nested))}, nil)
	if !clierr.HasCode(err, clierr.CodeReentrancyDenied) {
		t.Fatalf("expected reentrancy denied, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "0_") {
		t.Fatalf("expected step prefix, got %q", err.Error())
	}
	if w.counter(mock.CounterSlot) != 0 {
		t.Fatal("nested batch must not have run")
	}
}

func TestBoundCallerMayReenter(t *testing.T) {
	w := newWorld(t)
	w.admin(func(env *chain.Env) error { return w.reg.RegisterCaller(env, owner, lenderAddr, mockAddr) })
	w.mint(token, lenderAddr, ethers(1000))
	nested := mustEncode(t, []batch.Step{step(mockAddr, mock.Bar(7))})
	loan := mock.FlashLoan(lenderAddr, token, ethers(1000), nested)

	receipt, err := w.exec(user, nil, []batch.Step{
		step(mockAddr, loan),
		step(mockAddr, mock.Bar(1)),
	}, nil)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if got := w.counter(mock.CounterSlot); got != 8 {
		t.Fatalf("expected counter 8, got %d", got)
	}
	if !w.balance(token, lenderAddr).Eq(ethers(1000)) || !w.balance(token, proxyAddr).IsZero() {
		t.Fatal("expected the loan to be repaid in full")
	}

	// The nested dispatch completes before the flash loan step returns.
	begin, nestedBegin, end := -1, -1, -1
	for i, l := range receipt.Logs {
		switch {
		case l.Name == "LogBegin" && l.Fields["selector"] == selectorOf(loan) && begin < 0:
			begin = i
		case l.Name == "LogBegin" && l.Fields["selector"] == selectorOf(mock.Bar(0)) && nestedBegin < 0:
			nestedBegin = i
		case l.Name == "LogEnd" && l.Fields["selector"] == selectorOf(loan):
			end = i
		}
	}
	if !(begin >= 0 && begin < nestedBegin && nestedBegin < end) {
		t.Fatalf("unexpected event order: begin=%d nested=%d end=%d", begin, nestedBegin, end)
	}
}

func TestBoundCallerCallbackRunsBoundHandler(t *testing.T) {
	w := newWorld(t)
	w.admin(func(env *chain.Env) error { return w.reg.RegisterCaller(env, owner, lenderAddr, mockAddr) })
	w.mint(token, lenderAddr, ethers(5))

	_, err := w.exec(user, nil, []batch.Step{
		step(mockAddr, mock.FlashLoan(lenderAddr, token, ethers(5), mock.Bar(3))),
	}, nil)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if got := w.counter(mock.CounterSlot); got != 3 {
		t.Fatalf("expected callback to reach the bound handler, counter=%d", got)
	}
}

func TestCallerBoundToOtherHandlerIsDenied(t *testing.T) {
	w := newWorld(t)
	w.admin(func(env *chain.Env) error { return w.reg.RegisterCaller(env, owner, lenderAddr, fundsAddr) })
	w.mint(token, lenderAddr, ethers(5))
	nested := mustEncode(t, []batch.Step{step(mockAddr, mock.Bar(1))})

	for _, data := range [][]byte{nested, mock.Bar(1)} {
		_, err := w.exec(user, nil, []batch.Step{
			step(mockAddr, mock.FlashLoan(lenderAddr, token, ethers(5), data)),
		}, nil)
		if !clierr.HasCode(err, clierr.CodeReentrancyDenied) {
			t.Fatalf("expected reentrancy denied, got %v", err)
		}
	}
}

func TestCallbackOutsideBatch(t *testing.T) {
	w := newWorld(t)
	_, err := w.chain.Call(context.Background(), user, proxyAddr, nil, mock.Bar(1))
	if !clierr.HasCode(err, clierr.CodeUnauthorized) || err.Error() != "Invalid caller" {
		t.Fatalf("expected invalid caller, got %v", err)
	}
}

func TestReceiveFromEOARejected(t *testing.T) {
	w := newWorld(t)
	w.mint(ledger.NativeToken, user, ethers(1))
	_, err := w.chain.Call(context.Background(), user, proxyAddr, ethers(1), nil)
	if err == nil || err.Error() != "Not allowed from EOA" {
		t.Fatalf("expected EOA rejection, got %v", err)
	}
	if !w.balance(ledger.NativeToken, user).Eq(ethers(1)) {
		t.Fatal("expected value transfer to be reverted")
	}
}

func TestNFTDiscountFee(t *testing.T) {
	amount := ethers(1000)
	cases := []struct {
		name    string
		account common.Address
		want    *uint256.Int
	}{
		// A * 0.002 * 0.05
		{name: "holder", account: user, want: new(uint256.Int).Div(amount, uint256.NewInt(10_000))},
		// A * 0.002
		{name: "non-holder", account: bob, want: new(uint256.Int).Div(new(uint256.Int).Mul(amount, uint256.NewInt(2)), uint256.NewInt(1000))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorld(t)
			w.registerNFTRule()
			if err := w.state.MintNFT(nft, uint256.NewInt(1), user); err != nil {
				t.Fatalf("MintNFT failed: %v", err)
			}
			w.state.Commit()
			w.mint(token, proxyAddr, amount)
			w.mint(ledger.NativeToken, proxyAddr, ethers(2))

			s := step(mockAddr, mock.GetSender())
			s.Fee = batch.FeeAction{Kind: batch.FeeToken, Token: token}
			receipt, err := w.exec(tc.account, nil, []batch.Step{s}, []uint64{0})
			if err != nil {
				t.Fatalf("batch failed: %v", err)
			}
			if got := w.balance(token, collector); !got.Eq(tc.want) {
				t.Fatalf("expected fee %s, got %s", tc.want.Dec(), got.Dec())
			}
			if got := w.balance(token, proxyAddr); !got.Eq(new(uint256.Int).Sub(amount, tc.want)) {
				t.Fatalf("unexpected proxy remainder %s", got.Dec())
			}
			if !w.balance(ledger.NativeToken, proxyAddr).Eq(ethers(2)) {
				t.Fatal("native balance not referenced by the fee step must not change")
			}
			fees := event.Filter(receipt.Logs, "ChargeFee")
			if len(fees) != 1 || fees[0].Fields["token"] != token.Hex() || fees[0].Fields["amount"] != tc.want.Dec() {
				t.Fatalf("unexpected ChargeFee events: %#v", fees)
			}
			out, err := DecodeHandlerReturn(receipt.Logs, "address")
			if err != nil || out[0].(common.Address) != tc.account {
				t.Fatalf("expected getSender to return the batch sender, got %v %v", out, err)
			}
		})
	}
}

func TestFeeActionVariants(t *testing.T) {
	w := newWorld(t)
	w.registerNFTRule()
	w.mint(token, proxyAddr, ethers(100))
	w.mint(ledger.NativeToken, proxyAddr, ethers(10))

	s := step(mockAddr, mock.GetSender())
	s.Fee = batch.FeeAction{Kind: batch.FeeNativeAndToken, Token: token, Amount: ethers(10)}
	receipt, err := w.exec(bob, nil, []batch.Step{s}, []uint64{0})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	fees := event.Filter(receipt.Logs, "ChargeFee")
	if len(fees) != 2 || fees[0].Fields["token"] != ledger.NativeToken.Hex() || fees[1].Fields["token"] != token.Hex() {
		t.Fatalf("expected native then token fee, got %#v", fees)
	}
	want := new(uint256.Int).Div(ethers(10), uint256.NewInt(500))
	if !w.balance(token, collector).Eq(want) || !w.balance(ledger.NativeToken, collector).Eq(want) {
		t.Fatalf("expected %s of each asset, got token=%s native=%s", want.Dec(), w.balance(token, collector).Dec(), w.balance(ledger.NativeToken, collector).Dec())
	}

	s.Fee = batch.FeeAction{Kind: batch.FeeToken, Token: token, Amount: ethers(1000)}
	if _, err := w.exec(bob, nil, []batch.Step{s}, []uint64{0}); !clierr.HasCode(err, clierr.CodeInsufficientAssetForFee) {
		t.Fatalf("expected insufficient asset for fee, got %v", err)
	}

	s.Fee = batch.FeeAction{Kind: batch.FeeToken, Token: token}
	before := w.balance(token, collector)
	if _, err := w.exec(bob, nil, []batch.Step{s}, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if !w.balance(token, collector).Eq(before) {
		t.Fatal("expected no fee without rule indexes")
	}

	if _, err := w.exec(bob, nil, []batch.Step{s}, []uint64{4}); !clierr.HasCode(err, clierr.CodeIndexOutOfRange) {
		t.Fatalf("expected index out of range, got %v", err)
	}
}

func TestValueFeeOnPreProcess(t *testing.T) {
	w := newWorld(t)
	w.registerNFTRule()
	w.mint(ledger.NativeToken, bob, ethers(1))

	if _, err := w.exec(bob, ethers(1), []batch.Step{step(mockAddr, mock.GetSender())}, []uint64{0}); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	want := new(uint256.Int).Div(ethers(1), uint256.NewInt(500))
	if got := w.balance(ledger.NativeToken, collector); !got.Eq(want) {
		t.Fatalf("expected value fee %s, got %s", want.Dec(), got.Dec())
	}
	if got := w.balance(ledger.NativeToken, proxyAddr); !got.Eq(new(uint256.Int).Sub(ethers(1), want)) {
		t.Fatalf("unexpected proxy balance %s", got.Dec())
	}
}

func TestExecsRequiresActiveBatch(t *testing.T) {
	w := newWorld(t)
	data, err := batch.EncodeExecs([]batch.Step{step(mockAddr, mock.Bar(2))})
	if err != nil {
		t.Fatalf("EncodeExecs failed: %v", err)
	}
	if _, err := w.chain.Call(context.Background(), user, proxyAddr, nil, data); err == nil || err.Error() != "Sender is not initialized" {
		t.Fatalf("expected uninitialized sender, got %v", err)
	}
	if _, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Reenter(data))}, nil); err != nil {
		t.Fatalf("self execs failed: %v", err)
	}
	if got := w.counter(mock.CounterSlot); got != 2 {
		t.Fatalf("expected counter 2, got %d", got)
	}
}

func TestPostProcessRefundsAndHooks(t *testing.T) {
	w := newWorld(t)
	w.mint(token, user, ethers(100))

	receipt, err := w.exec(user, nil, []batch.Step{
		step(fundsAddr, funds.Inject([]common.Address{token}, []*uint256.Int{ethers(100)})),
		step(mockAddr, mock.Schedule()),
	}, nil)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if !w.balance(token, user).Eq(ethers(100)) || !w.balance(token, proxyAddr).IsZero() {
		t.Fatal("expected injected tokens to be refunded to the sender")
	}
	if w.counter(mock.PostProcessSlot) != 1 {
		t.Fatal("expected scheduled post process to run once")
	}
	if len(event.Filter(receipt.Logs, "MockPostProcess")) != 1 {
		t.Fatal("expected MockPostProcess event")
	}
	transfers := event.Filter(receipt.Logs, "Transfer")
	if len(transfers) != 2 || transfers[1].Fields["to"] != user.Hex() {
		t.Fatalf("unexpected transfers: %#v", transfers)
	}
}

func TestNativeRefundWhenMarked(t *testing.T) {
	w := newWorld(t)
	w.mint(ledger.NativeToken, user, ethers(2))
	if _, err := w.exec(user, ethers(2), []batch.Step{step(mockAddr, mock.UpdateToken(ledger.NativeToken))}, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	fee := new(uint256.Int).Div(ethers(2), uint256.NewInt(500))
	if got := w.balance(ledger.NativeToken, user); !got.Eq(new(uint256.Int).Sub(ethers(2), fee)) {
		t.Fatalf("expected value less the basis fee to be refunded, user has %s", got.Dec())
	}
	if got := w.balance(ledger.NativeToken, collector); !got.Eq(fee) {
		t.Fatalf("expected collector to hold %s, got %s", fee.Dec(), got.Dec())
	}
}

// chainedHook schedules itself when executed and reschedules from its own
// post process until it has run rounds times. A negative rounds never stops.
type chainedHook struct {
	rounds int
	runs   int
}

func (h *chainedHook) Name() string { return "HChained" }

func (h *chainedHook) Exec(_ context.Context, hc handler.Context, _ []byte) ([]byte, error) {
	hc.SchedulePostProcess()
	return nil, nil
}

func (h *chainedHook) PostProcess(_ context.Context, hc handler.Context) error {
	h.runs++
	if h.rounds < 0 || h.runs < h.rounds {
		hc.SchedulePostProcess()
	}
	return nil
}

func installChainedHook(w *world, rounds int) *chainedHook {
	w.t.Helper()
	h := &chainedHook{rounds: rounds}
	w.chain.Install(chainedAddr, "handler:chained", nil, h)
	w.admin(func(env *chain.Env) error {
		return w.reg.Register(env, owner, chainedAddr, registry.InfoFromString("HChained"))
	})
	return h
}

func TestHookScheduledDuringPostProcessRuns(t *testing.T) {
	w := newWorld(t)
	h := installChainedHook(w, 3)
	if _, err := w.exec(user, nil, []batch.Step{step(chainedAddr, nil)}, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if h.runs != 3 {
		t.Fatalf("expected 3 post process runs, got %d", h.runs)
	}
}

func TestEndlessRescheduleFails(t *testing.T) {
	w := newWorld(t)
	w.mint(token, user, ethers(1))
	h := installChainedHook(w, -1)
	_, err := w.exec(user, nil, []batch.Step{
		step(fundsAddr, funds.Inject([]common.Address{token}, []*uint256.Int{ethers(1)})),
		step(chainedAddr, nil),
	}, nil)
	if !clierr.HasCode(err, clierr.CodeHandlerFailed) {
		t.Fatalf("expected handler failure, got %v", err)
	}
	if h.runs != maxPostProcessHooks {
		t.Fatalf("expected %d post process runs, got %d", maxPostProcessHooks, h.runs)
	}
	if !w.balance(token, user).Eq(ethers(1)) {
		t.Fatal("expected the failed batch to leave the sender's tokens in place")
	}
}

func TestValueFeeWithoutRulesChargesBasis(t *testing.T) {
	w := newWorld(t)
	w.mint(ledger.NativeToken, bob, ethers(1))
	if _, err := w.exec(bob, ethers(1), []batch.Step{step(mockAddr, mock.Bar(1))}, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	want := new(uint256.Int).Div(ethers(1), uint256.NewInt(500))
	if got := w.balance(ledger.NativeToken, collector); !got.Eq(want) {
		t.Fatalf("expected basis fee %s, got %s", want.Dec(), got.Dec())
	}
}

func TestHaltedAndBanned(t *testing.T) {
	w := newWorld(t)
	w.admin(func(env *chain.Env) error { return w.reg.Halt(env, owner) })
	if _, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Bar(1))}, nil); !clierr.HasCode(err, clierr.CodeHalted) {
		t.Fatalf("expected halted, got %v", err)
	}
	w.admin(func(env *chain.Env) error { return w.reg.Unhalt(env, owner) })
	w.admin(func(env *chain.Env) error { return w.reg.Ban(env, owner, proxyAddr) })
	if _, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Bar(1))}, nil); !clierr.HasCode(err, clierr.CodeBanned) {
		t.Fatalf("expected banned, got %v", err)
	}
}

func TestUnregisterAffectsLaterTransactions(t *testing.T) {
	w := newWorld(t)
	if _, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Bar(1))}, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	w.admin(func(env *chain.Env) error { return w.reg.Unregister(env, owner, mockAddr) })
	if _, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Bar(1))}, nil); !clierr.HasCode(err, clierr.CodeUnknownHandler) {
		t.Fatalf("expected unknown handler after unregister, got %v", err)
	}
}

func TestDynamicParameterFromLocalStack(t *testing.T) {
	w := newWorld(t)
	w.mint(token, proxyAddr, uint256.NewInt(1000))

	half := new(uint256.Int).Div(batch.Base, uint256.NewInt(2))
	dyn, err := batch.DynamicConfig(0, []int{2}, []uint8{0})
	if err != nil {
		t.Fatalf("DynamicConfig failed: %v", err)
	}
	steps := []batch.Step{
		{Target: fundsAddr, Config: batch.StaticConfig(1), Data: funds.GetBalance(token)},
		{Target: mockAddr, Config: dyn, Data: mock.Transfer(token, receiver, half)},
	}
	if _, err := w.exec(user, nil, steps, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if got := w.balance(token, receiver); got.Uint64() != 500 {
		t.Fatalf("expected half of the balance, got %s", got.Dec())
	}

	steps[0].Config = batch.StaticConfig(2)
	if _, err := w.exec(user, nil, steps, nil); err == nil || err.Error() != "Return num and parsed return num not matched" {
		t.Fatalf("expected return num mismatch, got %v", err)
	}
}

func TestSlippageMessage(t *testing.T) {
	w := newWorld(t)
	w.mint(token, proxyAddr, uint256.NewInt(3))
	data := funds.CheckSlippage([]common.Address{token}, []*uint256.Int{uint256.NewInt(10)})
	_, err := w.exec(user, nil, []batch.Step{step(fundsAddr, data)}, nil)
	if err == nil || err.Error() != "0_HFunds_checkSlippage: error: 0_3" {
		t.Fatalf("unexpected slippage error: %v", err)
	}
}

type countingObserver struct {
	batches, steps, fees, denied int
}

func (o *countingObserver) BatchDone(string, int, error) { o.batches++ }

func (o *countingObserver) StepDone(string, error) { o.steps++ }

func (o *countingObserver) FeeCharged(common.Address, *uint256.Int) { o.fees++ }

func (o *countingObserver) ReentrancyDenied() { o.denied++ }

func TestTypedBatchExecAndObserver(t *testing.T) {
	obs := &countingObserver{}
	w := newWorld(t, WithObserver(obs))
	ctx := context.Background()

	var results [][]byte
	_, err := w.chain.Transact(ctx, user, "batchExec", func(env *chain.Env) ([]byte, error) {
		var err error
		results, err = w.proxy.BatchExec(ctx, env, user, nil, []batch.Step{
			step(mockAddr, mock.GetSender()),
			step(mockAddr, mock.Bar(4)),
		}, nil)
		return nil, err
	})
	if err != nil {
		t.Fatalf("typed batch failed: %v", err)
	}
	if len(results) != 2 || common.BytesToAddress(results[0]) != user {
		t.Fatalf("unexpected results: %x", results)
	}
	nested := mustEncode(t, []batch.Step{step(mockAddr, mock.Bar(1))})
	_, _ = w.exec(user, nil, []batch.Step{step(mockAddr, mock.Reenter(nested))}, nil)

	if obs.batches != 3 || obs.steps != 3 || obs.denied != 1 {
		t.Fatalf("unexpected observer counts: %+v", obs)
	}
}

func TestMockStorageAccumulatesAcrossBatches(t *testing.T) {
	w := newWorld(t)
	for _, n := range []uint64{3, 4} {
		if _, err := w.exec(user, nil, []batch.Step{step(mockAddr, mock.Bar(n)), step(mockAddr, mock.Schedule())}, nil); err != nil {
			t.Fatalf("batch failed: %v", err)
		}
	}
	if got := w.counter(mock.CounterSlot); got != 7 {
		t.Fatalf("expected counter 7, got %d", got)
	}
	if got := w.counter(mock.PostProcessSlot); got != 2 {
		t.Fatalf("expected 2 post process runs, got %d", got)
	}
}

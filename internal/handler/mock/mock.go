// Package mock provides HMock, a handler used by tests and demos to exercise
// the proxy: draining assets, failing on demand, re-entering the proxy and
// taking flash loans whose provider calls back into the proxy.
package mock

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

const Name = "HMock"

const abiJSON = `[
  {"type":"function","name":"drain","stateMutability":"payable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"payable","inputs":[{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"fail","stateMutability":"payable","inputs":[{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"reenter","stateMutability":"payable","inputs":[{"name":"data","type":"bytes"}],"outputs":[{"name":"","type":"bytes"}]},
  {"type":"function","name":"flashLoan","stateMutability":"payable","inputs":[{"name":"lender","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"bar","stateMutability":"payable","inputs":[{"name":"n","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getSender","stateMutability":"payable","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"updateToken","stateMutability":"payable","inputs":[{"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"schedule","stateMutability":"payable","inputs":[],"outputs":[]}
]`

// CounterSlot is the proxy storage slot bar accumulates into.
var CounterSlot = crypto.Keccak256Hash([]byte("HMock.counter"))

// PostProcessSlot counts PostProcess runs in proxy storage.
var PostProcessSlot = crypto.Keccak256Hash([]byte("HMock.postProcess"))

type Handler struct {
	*handler.Router
}

func New() *Handler {
	r := handler.MustRouter(Name, abiJSON)
	r.Handle("drain", drain).
		Handle("transfer", transfer).
		Handle("fail", fail).
		Handle("reenter", reenter).
		Handle("flashLoan", flashLoan).
		Handle("bar", bar).
		Handle("getSender", getSender).
		Handle("updateToken", updateToken).
		Handle("schedule", schedule)
	return &Handler{Router: r}
}

// PostProcess bumps PostProcessSlot and emits MockPostProcess.
func (h *Handler) PostProcess(_ context.Context, hc handler.Context) error {
	n := new(uint256.Int).SetBytes(hc.State().Storage(hc.Self(), PostProcessSlot).Bytes())
	n.AddUint64(n, 1)
	hc.State().SetStorage(hc.Self(), PostProcessSlot, common.Hash(n.Bytes32()))
	hc.Emit(event.New(hc.Self(), "MockPostProcess", "count", n.Dec()))
	return nil
}

// Calldata helpers for building batch steps.

func Drain(to common.Address, amount *uint256.Int) []byte {
	return mustPack("drain", to, amount.ToBig())
}

func Transfer(token, to common.Address, amount *uint256.Int) []byte {
	return mustPack("transfer", token, to, amount.ToBig())
}

func Fail(reason string) []byte { return mustPack("fail", reason) }

func Reenter(data []byte) []byte { return mustPack("reenter", data) }

func FlashLoan(lender, token common.Address, amount *uint256.Int, data []byte) []byte {
	return mustPack("flashLoan", lender, token, amount.ToBig(), data)
}

func Bar(n uint64) []byte { return mustPack("bar", new(uint256.Int).SetUint64(n).ToBig()) }

func GetSender() []byte { return mustPack("getSender") }

func UpdateToken(token common.Address) []byte { return mustPack("updateToken", token) }

func Schedule() []byte { return mustPack("schedule") }

var router = New()

func mustPack(method string, args ...any) []byte {
	data, err := router.Pack(method, args...)
	if err != nil {
		panic(err)
	}
	return data
}

func revert(method, msg string) error { return handler.Revert(Name, method, msg) }

func drain(ctx context.Context, hc handler.Context, args []any) ([]any, error) {
	to, err := handler.Address(args[0])
	if err != nil {
		return nil, revert("drain", err.Error())
	}
	amount, err := handler.Uint(args[1])
	if err != nil {
		return nil, revert("drain", err.Error())
	}
	amount = handler.ResolveAmount(hc, ledger.NativeToken, amount)
	if _, err := hc.Call(ctx, to, amount, nil); err != nil {
		return nil, revert("drain", err.Error())
	}
	return []any{amount.ToBig()}, nil
}

func transfer(_ context.Context, hc handler.Context, args []any) ([]any, error) {
	token, err := handler.Address(args[0])
	if err != nil {
		return nil, revert("transfer", err.Error())
	}
	to, err := handler.Address(args[1])
	if err != nil {
		return nil, revert("transfer", err.Error())
	}
	amount, err := handler.Uint(args[2])
	if err != nil {
		return nil, revert("transfer", err.Error())
	}
	amount = handler.ResolveAmount(hc, token, amount)
	if err := handler.Transfer(hc, token, hc.Self(), to, amount); err != nil {
		return nil, revert("transfer", err.Error())
	}
	return []any{amount.ToBig()}, nil
}

func fail(_ context.Context, _ handler.Context, args []any) ([]any, error) {
	reason, _ := args[0].(string)
	return nil, revert("fail", reason)
}

// reenter calls the proxy with data while this handler is executing. The
// proxy itself is never a bound caller, so a nested batch is refused.
func reenter(ctx context.Context, hc handler.Context, args []any) ([]any, error) {
	data, _ := args[0].([]byte)
	ret, err := hc.Call(ctx, hc.Self(), nil, data)
	if err != nil {
		return nil, err
	}
	return []any{ret}, nil
}

func flashLoan(ctx context.Context, hc handler.Context, args []any) ([]any, error) {
	lender, err := handler.Address(args[0])
	if err != nil {
		return nil, revert("flashLoan", err.Error())
	}
	token, err := handler.Address(args[1])
	if err != nil {
		return nil, revert("flashLoan", err.Error())
	}
	amount, err := handler.Uint(args[2])
	if err != nil {
		return nil, revert("flashLoan", err.Error())
	}
	data, _ := args[3].([]byte)
	call, err := lenderABI.Pack("flashLoan", hc.Self(), token, amount.ToBig(), data)
	if err != nil {
		return nil, revert("flashLoan", err.Error())
	}
	if _, err := hc.Call(ctx, lender, nil, call); err != nil {
		return nil, err
	}
	return nil, nil
}

func bar(_ context.Context, hc handler.Context, args []any) ([]any, error) {
	n, err := handler.Uint(args[0])
	if err != nil {
		return nil, revert("bar", err.Error())
	}
	cur := new(uint256.Int).SetBytes(hc.State().Storage(hc.Self(), CounterSlot).Bytes())
	next, overflow := new(uint256.Int).AddOverflow(cur, n)
	if overflow {
		return nil, revert("bar", "counter overflow")
	}
	hc.State().SetStorage(hc.Self(), CounterSlot, common.Hash(next.Bytes32()))
	return []any{next.ToBig()}, nil
}

func getSender(_ context.Context, hc handler.Context, _ []any) ([]any, error) {
	return []any{hc.Sender()}, nil
}

func updateToken(_ context.Context, hc handler.Context, args []any) ([]any, error) {
	token, err := handler.Address(args[0])
	if err != nil {
		return nil, revert("updateToken", err.Error())
	}
	hc.UpdateToken(token)
	return nil, nil
}

func schedule(_ context.Context, hc handler.Context, _ []any) ([]any, error) {
	hc.SchedulePostProcess()
	return nil, nil
}

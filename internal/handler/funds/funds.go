// Package funds is the HFunds handler: it moves assets between the batch
// sender, the proxy and third parties, and guards a batch with slippage
// checks on the proxy's holdings.
package funds

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

const Name = "HFunds"

const abiJSON = `[
  {"type":"function","name":"inject","stateMutability":"payable","inputs":[{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"send","stateMutability":"payable","inputs":[{"name":"value","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]},
  {"type":"function","name":"sendToken","stateMutability":"payable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]},
  {"type":"function","name":"sendTokens","stateMutability":"payable","inputs":[{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"receiver","type":"address"}],"outputs":[]},
  {"type":"function","name":"checkSlippage","stateMutability":"payable","inputs":[{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"getBalance","stateMutability":"payable","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Handler is stateless; one value can serve any number of deployments.
type Handler struct {
	*handler.Router
}

func New() *Handler {
	r := handler.MustRouter(Name, abiJSON)
	r.Handle("inject", inject).
		Handle("send", send).
		Handle("sendToken", sendToken).
		Handle("sendTokens", sendTokens).
		Handle("checkSlippage", checkSlippage).
		Handle("getBalance", getBalance)
	return &Handler{Router: r}
}

// Calldata helpers for building batch steps.

func Inject(tokens []common.Address, amounts []*uint256.Int) []byte {
	return mustPack("inject", tokens, handler.Bigs(amounts))
}

func Send(value *uint256.Int, receiver common.Address) []byte {
	return mustPack("send", value.ToBig(), receiver)
}

func SendToken(token common.Address, amount *uint256.Int, receiver common.Address) []byte {
	return mustPack("sendToken", token, amount.ToBig(), receiver)
}

func SendTokens(tokens []common.Address, amounts []*uint256.Int, receiver common.Address) []byte {
	return mustPack("sendTokens", tokens, handler.Bigs(amounts), receiver)
}

func CheckSlippage(tokens []common.Address, amounts []*uint256.Int) []byte {
	return mustPack("checkSlippage", tokens, handler.Bigs(amounts))
}

func GetBalance(token common.Address) []byte { return mustPack("getBalance", token) }

var router = New()

func mustPack(method string, args ...any) []byte {
	data, err := router.Pack(method, args...)
	if err != nil {
		panic(err)
	}
	return data
}

func revert(method, msg string) error { return handler.Revert(Name, method, msg) }

// asset maps the zero address to the native sentinel.
func asset(a common.Address) common.Address {
	if a == (common.Address{}) {
		return ledger.NativeToken
	}
	return a
}

func tokenAmounts(method string, args []any) ([]common.Address, []*uint256.Int, error) {
	tokens, err := handler.Addresses(args[0])
	if err != nil {
		return nil, nil, revert(method, err.Error())
	}
	amounts, err := handler.Uints(args[1])
	if err != nil {
		return nil, nil, revert(method, err.Error())
	}
	if len(tokens) != len(amounts) {
		return nil, nil, revert(method, "token and amount do not match")
	}
	return tokens, amounts, nil
}

// inject pulls tokens from the batch sender into the proxy and marks them for
// refund.
func inject(_ context.Context, hc handler.Context, args []any) ([]any, error) {
	tokens, amounts, err := tokenAmounts("inject", args)
	if err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, 0, len(tokens))
	for i, token := range tokens {
		if token == (common.Address{}) || handler.IsNative(token) {
			return nil, revert("inject", "Not support native token")
		}
		if err := handler.Transfer(hc, token, hc.Sender(), hc.Self(), amounts[i]); err != nil {
			return nil, revert("inject", err.Error())
		}
		hc.UpdateToken(token)
		out = append(out, amounts[i])
	}
	return []any{handler.Bigs(out)}, nil
}

func send(ctx context.Context, hc handler.Context, args []any) ([]any, error) {
	value, err := handler.Uint(args[0])
	if err != nil {
		return nil, revert("send", err.Error())
	}
	receiver, err := handler.Address(args[1])
	if err != nil {
		return nil, revert("send", err.Error())
	}
	if err := pay(ctx, hc, ledger.NativeToken, value, receiver); err != nil {
		return nil, revert("send", err.Error())
	}
	return nil, nil
}

func sendToken(ctx context.Context, hc handler.Context, args []any) ([]any, error) {
	token, err := handler.Address(args[0])
	if err != nil {
		return nil, revert("sendToken", err.Error())
	}
	amount, err := handler.Uint(args[1])
	if err != nil {
		return nil, revert("sendToken", err.Error())
	}
	receiver, err := handler.Address(args[2])
	if err != nil {
		return nil, revert("sendToken", err.Error())
	}
	if err := pay(ctx, hc, token, amount, receiver); err != nil {
		return nil, revert("sendToken", err.Error())
	}
	return nil, nil
}

func sendTokens(ctx context.Context, hc handler.Context, args []any) ([]any, error) {
	tokens, amounts, err := tokenAmounts("sendTokens", args)
	if err != nil {
		return nil, err
	}
	receiver, err := handler.Address(args[2])
	if err != nil {
		return nil, revert("sendTokens", err.Error())
	}
	for i, token := range tokens {
		if err := pay(ctx, hc, asset(token), amounts[i], receiver); err != nil {
			return nil, revert("sendTokens", err.Error())
		}
	}
	return nil, nil
}

func pay(ctx context.Context, hc handler.Context, a common.Address, amount *uint256.Int, receiver common.Address) error {
	amount = handler.ResolveAmount(hc, a, amount)
	if amount.IsZero() {
		return nil
	}
	if handler.IsNative(a) {
		_, err := hc.Call(ctx, receiver, amount, nil)
		return err
	}
	return handler.Transfer(hc, a, hc.Self(), receiver, amount)
}

// checkSlippage fails with the index and the actual balance of the first
// asset held below its minimum.
func checkSlippage(_ context.Context, hc handler.Context, args []any) ([]any, error) {
	tokens, amounts, err := tokenAmounts("checkSlippage", args)
	if err != nil {
		return nil, err
	}
	for i, token := range tokens {
		balance := hc.State().Balance(asset(token), hc.Self())
		if balance.Lt(amounts[i]) {
			return nil, revert("checkSlippage", fmt.Sprintf("error: %d_%s", i, balance.Dec()))
		}
	}
	return nil, nil
}

func getBalance(_ context.Context, hc handler.Context, args []any) ([]any, error) {
	token, err := handler.Address(args[0])
	if err != nil {
		return nil, revert("getBalance", err.Error())
	}
	return []any{hc.State().Balance(asset(token), hc.Self()).ToBig()}, nil
}

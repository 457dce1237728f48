package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

const lenderABIJSON = `[
  {"type":"function","name":"flashLoan","stateMutability":"nonpayable","inputs":[{"name":"receiver","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}
]`

var lenderABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(lenderABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse lender abi: %v", err))
	}
	return parsed
}()

// Lender is a flash-loan provider contract. It lends from its own balance,
// calls the receiver back with the caller-supplied data and pulls the
// principal back before returning.
type Lender struct{}

func (Lender) Call(ctx context.Context, env *chain.Env, msg chain.Message) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, nil
	}
	m, err := lenderABI.MethodById(msg.Data[:4])
	if err != nil || m.Name != "flashLoan" {
		return nil, clierr.New(clierr.CodeReverted, "Lender: unknown method")
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeReverted, "Lender: decode flashLoan", err)
	}
	receiver, _ := args[0].(common.Address)
	rawToken, _ := args[1].(common.Address)
	token := tokenOrNative(rawToken)
	amount, err := handler.Uint(args[2])
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeReverted, "Lender: amount", err)
	}
	data, _ := args[3].([]byte)
	self := msg.To

	if handler.IsNative(token) {
		if _, err := env.Call(ctx, self, receiver, amount, nil); err != nil {
			return nil, err
		}
	} else if err := moveToken(env, token, self, receiver, amount); err != nil {
		return nil, err
	}
	env.Emit(event.New(self, "FlashLoan", "receiver", receiver.Hex(), "token", token.Hex(), "amount", amount.Dec()))

	if _, err := env.Call(ctx, self, receiver, nil, data); err != nil {
		return nil, err
	}
	// The receiver approved repayment when it asked for the loan.
	if err := env.State().Transfer(token, receiver, self, amount); err != nil {
		return nil, clierr.Wrap(clierr.CodeReverted, "Lender: repay failed", err)
	}
	env.Emit(event.New(token, "Transfer", "from", receiver.Hex(), "to", self.Hex(), "amount", amount.Dec()))
	return nil, nil
}

func moveToken(env *chain.Env, token, from, to common.Address, amount *uint256.Int) error {
	if err := env.State().Transfer(token, from, to, amount); err != nil {
		return clierr.Wrap(clierr.CodeReverted, "Lender: insufficient liquidity", err)
	}
	env.Emit(event.New(token, "Transfer", "from", from.Hex(), "to", to.Hex(), "amount", amount.Dec()))
	return nil
}

func tokenOrNative(token common.Address) common.Address {
	if token == (common.Address{}) {
		return ledger.NativeToken
	}
	return token
}

package proxy

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/handler"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

// hctx is the handler.Context of one step: the proxy's own account, seen
// from inside the transaction.
type hctx struct {
	p   *Proxy
	env *chain.Env
}

var _ handler.Context = (*hctx)(nil)

func (c *hctx) Self() common.Address { return c.p.address }

func (c *hctx) Sender() common.Address {
	if c.p.frame == nil {
		return common.Address{}
	}
	return c.p.frame.sender
}

func (c *hctx) State() *ledger.State { return c.env.State() }

func (c *hctx) BlockNumber() uint64 { return c.env.BlockNumber() }

func (c *hctx) Call(ctx context.Context, to common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	return c.env.Call(ctx, c.p.address, to, value, data)
}

func (c *hctx) Emit(l event.Log) { c.env.Emit(l) }

func (c *hctx) RecordResult(data []byte) {
	c.env.Emit(event.New(c.p.address, "RecordHandlerResult").WithData(data))
}

// UpdateToken and SchedulePostProcess journal their frame changes so a
// reverted nested call does not leave marks behind.
func (c *hctx) UpdateToken(token common.Address) {
	f := c.p.frame
	if f == nil {
		return
	}
	n := len(f.tokens)
	f.tokens = append(f.tokens, token)
	c.env.Record(func() { f.tokens = f.tokens[:n] })
}

func (c *hctx) SchedulePostProcess() {
	f := c.p.frame
	if f == nil || f.currentTarget == (common.Address{}) {
		return
	}
	n := len(f.hooks)
	f.hooks = append(f.hooks, f.currentTarget)
	c.env.Record(func() { f.hooks = f.hooks[:n] })
}

// DecodeHandlerReturn decodes the payload of the last RecordHandlerResult
// event in logs.
func DecodeHandlerReturn(logs []event.Log, types ...string) ([]any, error) {
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Name == "RecordHandlerResult" {
			return batch.DecodeHandlerReturn(logs[i].Data, types...)
		}
	}
	return nil, clierr.New(clierr.CodeNotFound, "no handler result recorded")
}

// Package handler defines the calling contract between the proxy and the
// protocol adapters it delegates into. A handler never owns assets: every
// balance and storage slot it touches belongs to the proxy, reached through
// the Context passed to Exec.
package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/ledger"
)

type Handler interface {
	Name() string
	Exec(ctx context.Context, hc Context, data []byte) ([]byte, error)
}

// PostProcessor is implemented by handlers that schedule work to run after
// the last step of the outermost batch.
type PostProcessor interface {
	PostProcess(ctx context.Context, hc Context) error
}

// Context is the proxy state a handler executes against.
type Context interface {
	// Self is the proxy address; assets "held by the handler" are held here.
	Self() common.Address
	// Sender is the account that opened the outermost batch.
	Sender() common.Address
	State() *ledger.State
	BlockNumber() uint64
	// Call makes an external call with the proxy as msg.sender.
	Call(ctx context.Context, to common.Address, value *uint256.Int, data []byte) ([]byte, error)
	Emit(l event.Log)
	// RecordResult emits RecordHandlerResult with data as payload.
	RecordResult(data []byte)
	// UpdateToken marks an asset to be refunded to Sender after the batch.
	UpdateToken(token common.Address)
	// SchedulePostProcess queues the current handler's PostProcess.
	SchedulePostProcess()
}

// Revert builds the conventional "<Handler>_<method>: <message>" failure.
func Revert(name, method, message string) error {
	if method == "" {
		return clierr.Newf(clierr.CodeHandlerFailed, "%s: %s", name, message)
	}
	return clierr.Newf(clierr.CodeHandlerFailed, "%s_%s: %s", name, method, message)
}

// Method is one ABI-dispatched handler function. args are the decoded inputs
// in declaration order; the returned values are packed as the outputs.
type Method func(ctx context.Context, hc Context, args []any) ([]any, error)

// Router dispatches calldata to Go functions by 4-byte selector. Non-empty
// outputs are also recorded as the handler result.
type Router struct {
	name    string
	abi     abi.ABI
	methods map[string]Method
}

func NewRouter(name, abiJSON string) (*Router, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse %s abi: %w", name, err)
	}
	return &Router{name: name, abi: parsed, methods: make(map[string]Method)}, nil
}

func MustRouter(name, abiJSON string) *Router {
	r, err := NewRouter(name, abiJSON)
	if err != nil {
		panic(err)
	}
	return r
}

// Handle binds fn to the ABI method called method.
func (r *Router) Handle(method string, fn Method) *Router {
	if _, ok := r.abi.Methods[method]; !ok {
		panic(fmt.Sprintf("%s: method %s not in abi", r.name, method))
	}
	r.methods[method] = fn
	return r
}

func (r *Router) Name() string { return r.name }

func (r *Router) ABI() abi.ABI { return r.abi }

func (r *Router) Pack(method string, args ...any) ([]byte, error) {
	return r.abi.Pack(method, args...)
}

func (r *Router) Exec(ctx context.Context, hc Context, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, Revert(r.name, "", "invalid calldata")
	}
	m, err := r.abi.MethodById(data[:4])
	if err != nil {
		return nil, Revert(r.name, "", fmt.Sprintf("unknown selector 0x%x", data[:4]))
	}
	fn, ok := r.methods[m.Name]
	if !ok {
		return nil, Revert(r.name, m.Name, "not implemented")
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, Revert(r.name, m.Name, fmt.Sprintf("decode arguments: %v", err))
	}
	outs, err := fn(ctx, hc, args)
	if err != nil {
		return nil, err
	}
	ret, err := m.Outputs.Pack(outs...)
	if err != nil {
		return nil, Revert(r.name, m.Name, fmt.Sprintf("encode result: %v", err))
	}
	if len(ret) > 0 {
		hc.RecordResult(ret)
	}
	return ret, nil
}

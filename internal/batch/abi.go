package batch

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
)

const feeComponents = `[{"name":"kind","type":"uint8"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]`

// ProxyABIJSON declares the proxy entry points.
const ProxyABIJSON = `[
  {"type":"function","name":"batchExec","stateMutability":"payable","inputs":[
    {"name":"tos","type":"address[]"},
    {"name":"configs","type":"bytes32[]"},
    {"name":"datas","type":"bytes[]"},
    {"name":"ruleIndexes","type":"uint256[]"},
    {"name":"fees","type":"tuple[]","components":` + feeComponents + `}
  ],"outputs":[{"name":"results","type":"bytes[]"}]},
  {"type":"function","name":"execs","stateMutability":"payable","inputs":[
    {"name":"tos","type":"address[]"},
    {"name":"configs","type":"bytes32[]"},
    {"name":"datas","type":"bytes[]"},
    {"name":"fees","type":"tuple[]","components":` + feeComponents + `}
  ],"outputs":[{"name":"results","type":"bytes[]"}]},
  {"type":"function","name":"execute","stateMutability":"payable","inputs":[
    {"name":"to","type":"address"},
    {"name":"config","type":"bytes32"},
    {"name":"data","type":"bytes"}
  ],"outputs":[{"name":"result","type":"bytes"}]},
  {"type":"event","name":"RecordHandlerResult","inputs":[{"name":"value","type":"bytes","indexed":false}],"anonymous":false}
]`

var ProxyABI = mustParse(ProxyABIJSON)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse proxy abi: %v", err))
	}
	return parsed
}

// feeTuple mirrors the (uint8,address,uint256) ABI tuple.
type feeTuple struct {
	Kind   uint8
	Token  common.Address
	Amount *big.Int
}

// Call is a decoded proxy entry point invocation.
type Call struct {
	Method      string
	Steps       []Step
	RuleIndexes []uint64
}

// EncodeBatchExec packs a batchExec call. Fees are omitted from the calldata
// when no step has a fee action.
func EncodeBatchExec(steps []Step, ruleIndexes []uint64) ([]byte, error) {
	tos, configs, datas, fees := splitSteps(steps)
	rules := make([]*big.Int, 0, len(ruleIndexes))
	for _, idx := range ruleIndexes {
		rules = append(rules, new(big.Int).SetUint64(idx))
	}
	return ProxyABI.Pack("batchExec", tos, configs, datas, rules, fees)
}

func EncodeExecs(steps []Step) ([]byte, error) {
	tos, configs, datas, fees := splitSteps(steps)
	return ProxyABI.Pack("execs", tos, configs, datas, fees)
}

func EncodeExecute(step Step) ([]byte, error) {
	return ProxyABI.Pack("execute", step.Target, [32]byte(step.Config), step.Data)
}

func splitSteps(steps []Step) ([]common.Address, [][32]byte, [][]byte, []feeTuple) {
	tos := make([]common.Address, 0, len(steps))
	configs := make([][32]byte, 0, len(steps))
	datas := make([][]byte, 0, len(steps))
	fees := make([]feeTuple, 0, len(steps))
	anyFee := false
	for _, s := range steps {
		tos = append(tos, s.Target)
		configs = append(configs, [32]byte(s.Config))
		datas = append(datas, s.Data)
		amount := new(big.Int)
		if s.Fee.Amount != nil {
			amount = s.Fee.Amount.ToBig()
		}
		fees = append(fees, feeTuple{Kind: uint8(s.Fee.Kind), Token: s.Fee.Token, Amount: amount})
		if s.Fee.Kind != FeeNone {
			anyFee = true
		}
	}
	if !anyFee {
		fees = fees[:0]
	}
	return tos, configs, datas, fees
}

// Decode unpacks calldata addressed to one of the proxy entry points. ok is
// false when the selector is not a proxy method.
func Decode(data []byte) (Call, bool, error) {
	if len(data) < 4 {
		return Call{}, false, nil
	}
	m, err := ProxyABI.MethodById(data[:4])
	if err != nil {
		return Call{}, false, nil
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return Call{}, true, clierr.Wrap(clierr.CodeInvalidArgument, "decode "+m.Name+" calldata", err)
	}
	call := Call{Method: m.Name}
	switch m.Name {
	case "execute":
		to := args[0].(common.Address)
		cfg := args[1].([32]byte)
		payload := args[2].([]byte)
		call.Steps = []Step{{Target: to, Config: Config(cfg), Data: payload}}
		return call, true, nil
	case "batchExec":
		steps, err := joinSteps(args[0], args[1], args[2], args[4])
		if err != nil {
			return Call{}, true, err
		}
		rules := args[3].([]*big.Int)
		call.Steps = steps
		call.RuleIndexes = make([]uint64, 0, len(rules))
		for _, r := range rules {
			if !r.IsUint64() {
				return Call{}, true, clierr.Newf(clierr.CodeIndexOutOfRange, "rule index %s out of range", r.String())
			}
			call.RuleIndexes = append(call.RuleIndexes, r.Uint64())
		}
		return call, true, nil
	case "execs":
		steps, err := joinSteps(args[0], args[1], args[2], args[3])
		if err != nil {
			return Call{}, true, err
		}
		call.Steps = steps
		return call, true, nil
	}
	return Call{}, false, nil
}

func joinSteps(rawTos, rawConfigs, rawDatas, rawFees any) ([]Step, error) {
	tos := rawTos.([]common.Address)
	configs := rawConfigs.([][32]byte)
	datas := rawDatas.([][]byte)
	if len(tos) != len(configs) || len(tos) != len(datas) {
		return nil, clierr.New(clierr.CodeInvalidArgument, "Tos, configs and datas length inconsistent")
	}
	fees, err := decodeFees(rawFees)
	if err != nil {
		return nil, err
	}
	if len(fees) != 0 && len(fees) != len(tos) {
		return nil, clierr.New(clierr.CodeInvalidArgument, "fees length inconsistent with tos")
	}
	steps := make([]Step, 0, len(tos))
	for i := range tos {
		s := Step{Target: tos[i], Config: Config(configs[i]), Data: datas[i]}
		if len(fees) > 0 {
			s.Fee = fees[i]
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// decodeFees reads the reflect-built tuple slice produced by abi unpacking.
func decodeFees(raw any) ([]FeeAction, error) {
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice {
		return nil, clierr.Newf(clierr.CodeInvalidArgument, "unexpected fees type %T", raw)
	}
	out := make([]FeeAction, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i)
		kind, ok1 := fieldValue(elem, "Kind").(uint8)
		token, ok2 := fieldValue(elem, "Token").(common.Address)
		amount, ok3 := fieldValue(elem, "Amount").(*big.Int)
		if !ok1 || !ok2 || !ok3 {
			return nil, clierr.Newf(clierr.CodeInvalidArgument, "malformed fee tuple at %d", i)
		}
		fee := FeeAction{Kind: FeeKind(kind), Token: token}
		if amount != nil && amount.Sign() > 0 {
			u, overflow := uint256.FromBig(amount)
			if overflow {
				return nil, clierr.Newf(clierr.CodeInvalidArgument, "fee amount at %d overflows", i)
			}
			fee.Amount = u
		}
		if err := fee.Validate(); err != nil {
			return nil, err
		}
		out = append(out, fee)
	}
	return out, nil
}

func fieldValue(v reflect.Value, name string) any {
	f := v.FieldByName(name)
	if !f.IsValid() {
		return nil
	}
	return f.Interface()
}

// DecodeHandlerReturn decodes the payload of the last RecordHandlerResult
// event with the given ABI types, e.g. "uint256" or "address[]".
func DecodeHandlerReturn(payload []byte, types ...string) ([]any, error) {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, fmt.Errorf("abi type %q: %w", t, err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args.Unpack(payload)
}

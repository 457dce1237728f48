package node

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
)

// BatchFile is the YAML form of a batch. Each step gives either raw
// calldata or a method name with textual arguments, packed against the ABI
// of the handler deployed at the target.
//
//	value: "0"
//	rules: [0]
//	steps:
//	  - target: "0x..."
//	    method: getBalance
//	    args: ["0x..."]
//	    return: 1
//	  - target: "0x..."
//	    method: transfer
//	    args: ["0x...", "0x...", "500000000000000000"]
//	    dynamic: {params: [2], refs: [0]}
//	    fee: {kind: token, token: "0x..."}
type BatchFile struct {
	Value string     `yaml:"value"`
	Rules []uint64   `yaml:"rules"`
	Steps []StepFile `yaml:"steps"`
}

type StepFile struct {
	Target  string       `yaml:"target"`
	Method  string       `yaml:"method"`
	Args    []string     `yaml:"args"`
	Data    string       `yaml:"data"`
	Return  uint8        `yaml:"return"`
	Dynamic *DynamicFile `yaml:"dynamic"`
	Fee     *FeeFile     `yaml:"fee"`
}

type DynamicFile struct {
	Params []int   `yaml:"params"`
	Refs   []uint8 `yaml:"refs"`
}

type FeeFile struct {
	Kind   string `yaml:"kind"`
	Token  string `yaml:"token"`
	Amount string `yaml:"amount"`
}

// BatchRequest is a batch ready to submit.
type BatchRequest struct {
	Value *uint256.Int
	Rules []uint64
	Steps []batch.Step
}

func ParseBatchFile(data []byte) (BatchFile, error) {
	var f BatchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return BatchFile{}, clierr.Wrap(clierr.CodeUsage, "parse batch file", err)
	}
	if len(f.Steps) == 0 {
		return BatchFile{}, clierr.New(clierr.CodeUsage, "batch file has no steps")
	}
	return f, nil
}

// BuildBatch resolves a batch file against the deployed handlers.
func (n *Node) BuildBatch(f BatchFile) (BatchRequest, error) {
	req := BatchRequest{Value: new(uint256.Int), Rules: f.Rules}
	if v := strings.TrimSpace(f.Value); v != "" {
		value, err := uint256.FromDecimal(v)
		if err != nil {
			return BatchRequest{}, clierr.Wrap(clierr.CodeUsage, "parse batch value", err)
		}
		req.Value = value
	}
	for i, sf := range f.Steps {
		step, err := n.buildStep(sf)
		if err != nil {
			return BatchRequest{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("step %d", i), err)
		}
		req.Steps = append(req.Steps, step)
	}
	return req, nil
}

func (n *Node) buildStep(sf StepFile) (batch.Step, error) {
	if !common.IsHexAddress(sf.Target) {
		return batch.Step{}, fmt.Errorf("invalid target %q", sf.Target)
	}
	step := batch.Step{Target: common.HexToAddress(sf.Target), Config: batch.StaticConfig(sf.Return)}

	switch {
	case sf.Data != "" && sf.Method != "":
		return batch.Step{}, fmt.Errorf("data and method are mutually exclusive")
	case sf.Data != "":
		data, err := hexutil.Decode(sf.Data)
		if err != nil {
			return batch.Step{}, fmt.Errorf("decode data: %w", err)
		}
		step.Data = data
	case sf.Method != "":
		router, err := n.Router(step.Target)
		if err != nil {
			return batch.Step{}, err
		}
		data, err := router.PackArgs(sf.Method, sf.Args)
		if err != nil {
			return batch.Step{}, err
		}
		step.Data = data
	default:
		return batch.Step{}, fmt.Errorf("one of data or method is required")
	}

	if sf.Dynamic != nil {
		cfg, err := batch.DynamicConfig(sf.Return, sf.Dynamic.Params, sf.Dynamic.Refs)
		if err != nil {
			return batch.Step{}, err
		}
		step.Config = cfg
	}
	if sf.Fee != nil {
		fee, err := parseFee(*sf.Fee)
		if err != nil {
			return batch.Step{}, err
		}
		step.Fee = fee
	}
	return step, nil
}

func parseFee(ff FeeFile) (batch.FeeAction, error) {
	kind, err := batch.ParseFeeKind(ff.Kind)
	if err != nil {
		return batch.FeeAction{}, err
	}
	fee := batch.FeeAction{Kind: kind}
	if ff.Token != "" {
		if !common.IsHexAddress(ff.Token) {
			return batch.FeeAction{}, fmt.Errorf("invalid fee token %q", ff.Token)
		}
		fee.Token = common.HexToAddress(ff.Token)
	}
	if ff.Amount != "" {
		amount, err := uint256.FromDecimal(ff.Amount)
		if err != nil {
			return batch.FeeAction{}, fmt.Errorf("parse fee amount: %w", err)
		}
		fee.Amount = amount
	}
	return fee, fee.Validate()
}

package app

import (
	"context"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/id"
	"github.com/ggonzalez94/comboproxy/internal/model"
	"github.com/ggonzalez94/comboproxy/internal/node"
	"github.com/ggonzalez94/comboproxy/internal/signer"
	"github.com/ggonzalez94/comboproxy/internal/store"
)

// execResult is the data of a proxy transaction.
type execResult struct {
	TxHash  string          `json:"tx_hash"`
	Method  string          `json:"method"`
	Status  uint64          `json:"status"`
	Results []hexutil.Bytes `json:"results"`
	Logs    int             `json:"logs"`
}

func (s *runtimeState) newProxyCommand() *cobra.Command {
	root := &cobra.Command{Use: "proxy", Short: "Submit batches to the proxy"}

	var batchPath, valueArg string
	var valueDecimals int
	exec := &cobra.Command{
		Use:   "exec",
		Short: "Sign and submit a batch file through batchExec",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(batchPath)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "read batch file", err)
			}
			file, err := node.ParseBatchFile(raw)
			if err != nil {
				return err
			}
			return s.runSigned(cmd, func(sess *session) ([]byte, *uint256.Int, error) {
				req, err := sess.node.BuildBatch(file)
				if err != nil {
					return nil, nil, err
				}
				value := req.Value
				if strings.TrimSpace(valueArg) != "" {
					if value, err = id.ParseAmount(valueArg, valueDecimals); err != nil {
						return nil, nil, err
					}
				}
				data, err := batch.EncodeBatchExec(req.Steps, req.Rules)
				return data, value, err
			})
		},
	}
	exec.Flags().StringVar(&batchPath, "batch", "", "Path to a YAML batch file")
	exec.Flags().StringVar(&valueArg, "value", "", "Native value sent with the batch, overrides the file")
	exec.Flags().IntVar(&valueDecimals, "value-decimals", 18, "Decimals used to scale --value")
	_ = exec.MarkFlagRequired("batch")

	var handlerArg, methodArg, callValue, dataArg string
	var callArgs []string
	var returnNum uint8
	call := &cobra.Command{
		Use:   "call",
		Short: "Sign and submit one handler call through execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := id.ParseAddress(handlerArg, "--handler")
			if err != nil {
				return err
			}
			if (methodArg == "") == (dataArg == "") {
				return clierr.New(clierr.CodeUsage, "pass exactly one of --method or --data")
			}
			return s.runSigned(cmd, func(sess *session) ([]byte, *uint256.Int, error) {
				step := batch.Step{Target: h, Config: batch.StaticConfig(returnNum)}
				if dataArg != "" {
					if step.Data, err = hexutil.Decode(dataArg); err != nil {
						return nil, nil, clierr.Wrap(clierr.CodeUsage, "decode --data", err)
					}
				} else {
					router, err := sess.node.Router(h)
					if err != nil {
						return nil, nil, err
					}
					if step.Data, err = router.PackArgs(methodArg, callArgs); err != nil {
						return nil, nil, clierr.Wrap(clierr.CodeUsage, "pack --arg values", err)
					}
				}
				value := new(uint256.Int)
				if strings.TrimSpace(callValue) != "" {
					if value, err = id.ParseAmount(callValue, -1); err != nil {
						return nil, nil, err
					}
				}
				data, err := batch.EncodeExecute(step)
				return data, value, err
			})
		},
	}
	call.Flags().StringVar(&handlerArg, "handler", "", "Handler address")
	call.Flags().StringVar(&methodArg, "method", "", "Handler method name")
	call.Flags().StringArrayVar(&callArgs, "arg", nil, "Method argument, repeat in order")
	call.Flags().StringVar(&dataArg, "data", "", "Raw 0x calldata instead of --method")
	call.Flags().StringVar(&callValue, "value", "", "Native value in base units")
	call.Flags().Uint8Var(&returnNum, "return", 0, "Words the call returns onto the local stack")
	_ = call.MarkFlagRequired("handler")

	info := &cobra.Command{
		Use:   "info",
		Short: "Show proxy and registry addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				return worldInfo(sess.node), nil
			})
		},
	}

	root.AddCommand(mutating(exec), mutating(call), info)
	return root
}

// runSigned builds calldata for the proxy, signs it with the local key and
// applies it as a transaction.
func (s *runtimeState) runSigned(cmd *cobra.Command, build func(sess *session) ([]byte, *uint256.Int, error)) error {
	return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
		data, value, err := build(sess)
		if err != nil {
			return nil, nil, err
		}
		sgn, err := s.loadSigner()
		if err != nil {
			return nil, nil, err
		}
		n := sess.node
		chainID := n.Chain.ChainID()
		tx := signer.CallTx(chainID, n.Chain.State().Nonce(from), n.Proxy.Address(), value, data)
		signed, err := sgn.SignTx(chainID, tx)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeInternal, "sign transaction", err)
		}
		receipt, err := n.SendTransaction(ctx, signed)
		if receipt == nil {
			return nil, nil, err
		}
		result := execResult{TxHash: receipt.TxHash.Hex(), Method: receipt.Method, Status: receipt.Status, Logs: len(receipt.Logs)}
		if err == nil {
			if result.Results, err = decodeResults(receipt); err != nil {
				s.logger.Warn("decode proxy results", zap.String("tx", receipt.TxHash.Hex()), zap.Error(err))
				err = nil
			}
		}
		return result, receipt, err
	})
}

func decodeResults(r *chain.Receipt) ([]hexutil.Bytes, error) {
	method, ok := batch.ProxyABI.Methods[r.Method]
	if !ok || len(r.Return) == 0 {
		return nil, nil
	}
	values, err := method.Outputs.Unpack(r.Return)
	if err != nil {
		return nil, err
	}
	out := []hexutil.Bytes{}
	switch v := values[0].(type) {
	case [][]byte:
		for _, b := range v {
			out = append(out, b)
		}
	case []byte:
		out = append(out, v)
	}
	return out, nil
}

func (s *runtimeState) newTxCommand() *cobra.Command {
	root := &cobra.Command{Use: "tx", Short: "Inspect stored receipts"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List receipts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(ctx context.Context, sess *session) (any, error) {
				receipts, err := sess.store.ListReceipts(ctx, limit)
				if err != nil {
					return nil, clierr.Wrap(clierr.CodeInternal, "list receipts", err)
				}
				return receipts, nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum receipts")

	var hash string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show one receipt with its events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(ctx context.Context, sess *session) (any, error) {
				return sess.store.GetReceipt(ctx, hash)
			})
		},
	}
	show.Flags().StringVar(&hash, "hash", "", "Transaction hash")
	_ = show.MarkFlagRequired("hash")

	root.AddCommand(list, show)
	return root
}

func (s *runtimeState) newEventsCommand() *cobra.Command {
	root := &cobra.Command{Use: "events", Short: "Query committed events"}
	var filter store.EventFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List events in emission order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(ctx context.Context, sess *session) (any, error) {
				logs, err := sess.store.ListEvents(ctx, filter)
				if err != nil {
					return nil, clierr.Wrap(clierr.CodeInternal, "list events", err)
				}
				return logs, nil
			})
		},
	}
	list.Flags().StringVar(&filter.TxHash, "tx", "", "Only events of this transaction")
	list.Flags().StringVar(&filter.Name, "name", "", "Only events with this name, e.g. ChargeFee")
	list.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum events")
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newStateCommand() *cobra.Command {
	root := &cobra.Command{Use: "state", Short: "Inspect the persisted world"}
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Print the world state hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				n := sess.node
				return model.StateHash{
					Block:     n.Chain.Block(),
					StateHash: n.StateHash().Hex(),
					Holdings:  n.Chain.State().HoldingsHash().Hex(),
				}, nil
			})
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show world addresses and fee settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				return worldInfo(sess.node), nil
			})
		},
	}
	export := &cobra.Command{
		Use:   "export",
		Short: "Print the full world snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				return sess.node.Export(), nil
			})
		},
	}
	root.AddCommand(hash, show, export)
	return root
}

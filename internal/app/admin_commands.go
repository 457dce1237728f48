package app

import (
	"context"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/id"
	"github.com/ggonzalez94/comboproxy/internal/model"
	"github.com/ggonzalez94/comboproxy/internal/node"
	"github.com/ggonzalez94/comboproxy/internal/registry"
)

func (s *runtimeState) newInitCommand() *cobra.Command {
	var ownerArg, basisArg, collectorArg, chainArg string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a world with a registry, a fee rule registry and a proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			chainInfo, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			basis, err := id.ParseRate(basisArg)
			if err != nil {
				return err
			}
			var owner common.Address
			if strings.TrimSpace(ownerArg) == "" {
				sgn, err := s.loadSigner()
				if err != nil {
					return err
				}
				owner = sgn.Address()
			} else if owner, err = id.ParseAddress(ownerArg, "--owner"); err != nil {
				return err
			}
			collector := owner
			if strings.TrimSpace(collectorArg) != "" {
				if collector, err = id.ParseAddress(collectorArg, "--collector"); err != nil {
					return err
				}
			}

			st, err := s.openStore()
			if err != nil {
				return err
			}
			sess := &session{store: st}
			defer sess.close()
			if _, ok, err := st.LoadWorld(ctx); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "load world", err)
			} else if ok {
				if !force {
					return clierr.New(clierr.CodeUsage, "world already initialized, pass --force to replace it")
				}
				if err := st.Reset(ctx); err != nil {
					return clierr.Wrap(clierr.CodeInternal, "reset world", err)
				}
			}
			opts, err := s.nodeOptions(ctx, sess)
			if err != nil {
				return err
			}
			n, err := node.New(node.Genesis{
				ChainID:   chainInfo.ID(),
				Owner:     owner,
				BasisRate: basis,
				Collector: collector,
			}, opts...)
			if err != nil {
				return err
			}
			sess.node = n
			if err := s.commit(ctx, sess); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), worldInfo(n), nil)
		},
	}
	cmd.Flags().StringVar(&ownerArg, "owner", "", "Owner of the registries (defaults to the signer address)")
	cmd.Flags().StringVar(&basisArg, "basis-rate", "1", "Basis fee rate as a fraction, e.g. 0.002")
	cmd.Flags().StringVar(&collectorArg, "collector", "", "Fee collector (defaults to the owner)")
	cmd.Flags().StringVar(&chainArg, "chain", "ethereum", "Chain slug, id or CAIP-2 reference")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing world")
	return mutating(cmd)
}

func (s *runtimeState) newHandlerCommand() *cobra.Command {
	root := &cobra.Command{Use: "handler", Short: "Deploy and list handlers"}

	var kindArg, infoArg string
	var register bool
	deploy := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a built-in handler or the flash loan lender",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := node.HandlerKind(kindArg)
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				addr, err := sess.node.Deploy(from, kind)
				if err != nil {
					return nil, nil, err
				}
				data := model.Deployment{Kind: kind, Address: addr.Hex(), Deployer: from.Hex()}
				if !register {
					return data, nil, nil
				}
				info, err := defaultInfo(sess.node, addr, infoArg)
				if err != nil {
					return nil, nil, err
				}
				receipt, err := sess.node.RegisterHandler(ctx, from, addr, info)
				return data, receipt, err
			})
		},
	}
	deploy.Flags().StringVar(&kindArg, "kind", "", "funds|mock|lender")
	deploy.Flags().BoolVar(&register, "register", false, "Register the handler right after deployment")
	deploy.Flags().StringVar(&infoArg, "info", "", "Registry info tag (defaults to the handler name)")
	_ = deploy.MarkFlagRequired("kind")

	list := &cobra.Command{
		Use:   "list",
		Short: "List handler registrations, tombstones included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				return sess.node.Registry.Handlers(), nil
			})
		},
	}

	root.AddCommand(mutating(deploy), list)
	return root
}

func (s *runtimeState) newRegistryCommand() *cobra.Command {
	root := &cobra.Command{Use: "registry", Aliases: []string{"reg"}, Short: "Administer the handler registry"}

	var handlerArg, infoArg string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a handler or update its info",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := id.ParseAddress(handlerArg, "--handler")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				info, err := defaultInfo(sess.node, h, infoArg)
				if err != nil {
					return nil, nil, err
				}
				receipt, err := sess.node.RegisterHandler(ctx, from, h, info)
				return registryEntry(sess.node, h), receipt, err
			})
		},
	}
	register.Flags().StringVar(&handlerArg, "handler", "", "Handler address")
	register.Flags().StringVar(&infoArg, "info", "", "Info tag or 32-byte hex (defaults to the handler name)")
	_ = register.MarkFlagRequired("handler")

	var unregisterArg string
	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Tombstone a handler permanently",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := id.ParseAddress(unregisterArg, "--handler")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.UnregisterHandler(ctx, from, h)
				return registryEntry(sess.node, h), receipt, err
			})
		},
	}
	unregister.Flags().StringVar(&unregisterArg, "handler", "", "Handler address")
	_ = unregister.MarkFlagRequired("handler")

	var callerArg, boundArg string
	registerCaller := &cobra.Command{
		Use:   "register-caller",
		Short: "Allow a contract to call back into the proxy while a handler runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := id.ParseAddress(callerArg, "--caller")
			if err != nil {
				return err
			}
			h, err := id.ParseAddress(boundArg, "--handler")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.RegisterCaller(ctx, from, caller, h)
				return callerEntry(sess.node, caller), receipt, err
			})
		},
	}
	registerCaller.Flags().StringVar(&callerArg, "caller", "", "Caller address")
	registerCaller.Flags().StringVar(&boundArg, "handler", "", "Handler the caller is bound to")
	_ = registerCaller.MarkFlagRequired("caller")
	_ = registerCaller.MarkFlagRequired("handler")

	var unregisterCallerArg string
	unregisterCaller := &cobra.Command{
		Use:   "unregister-caller",
		Short: "Tombstone a caller permanently",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := id.ParseAddress(unregisterCallerArg, "--caller")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.UnregisterCaller(ctx, from, caller)
				return callerEntry(sess.node, caller), receipt, err
			})
		},
	}
	unregisterCaller.Flags().StringVar(&unregisterCallerArg, "caller", "", "Caller address")
	_ = unregisterCaller.MarkFlagRequired("caller")

	halt := &cobra.Command{
		Use:   "halt",
		Short: "Stop all proxy dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.Halt(ctx, from)
				return worldInfo(sess.node), receipt, err
			})
		},
	}
	unhalt := &cobra.Command{
		Use:   "unhalt",
		Short: "Resume proxy dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.Unhalt(ctx, from)
				return worldInfo(sess.node), receipt, err
			})
		},
	}

	var agentArg string
	ban := &cobra.Command{
		Use:   "ban",
		Short: "Ban an agent from dispatching",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := id.ParseAddress(agentArg, "--agent")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.Ban(ctx, from, agent)
				return registryEntry(sess.node, agent), receipt, err
			})
		},
	}
	ban.Flags().StringVar(&agentArg, "agent", "", "Agent address")
	_ = ban.MarkFlagRequired("agent")

	var unbanArg string
	unban := &cobra.Command{
		Use:   "unban",
		Short: "Lift an agent ban",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := id.ParseAddress(unbanArg, "--agent")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.Unban(ctx, from, agent)
				return registryEntry(sess.node, agent), receipt, err
			})
		},
	}
	unban.Flags().StringVar(&unbanArg, "agent", "", "Agent address")
	_ = unban.MarkFlagRequired("agent")

	var newOwnerArg string
	transfer := &cobra.Command{
		Use:   "transfer-ownership",
		Short: "Hand the registry to a new owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			newOwner, err := id.ParseAddress(newOwnerArg, "--to")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.TransferRegistryOwnership(ctx, from, newOwner)
				return map[string]string{"owner": sess.node.Registry.Owner().Hex()}, receipt, err
			})
		},
	}
	transfer.Flags().StringVar(&newOwnerArg, "to", "", "New owner address")
	_ = transfer.MarkFlagRequired("to")

	var showArg string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the registry view of one address",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := id.ParseAddress(showArg, "--address")
			if err != nil {
				return err
			}
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				return []model.RegistryEntry{registryEntry(sess.node, addr), callerEntry(sess.node, addr)}, nil
			})
		},
	}
	show.Flags().StringVar(&showArg, "address", "", "Handler, caller or agent address")
	_ = show.MarkFlagRequired("address")

	callers := &cobra.Command{
		Use:   "callers",
		Short: "List caller registrations, tombstones included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				return sess.node.Registry.Callers(), nil
			})
		},
	}

	for _, c := range []*cobra.Command{register, unregister, registerCaller, unregisterCaller, halt, unhalt, ban, unban, transfer} {
		root.AddCommand(mutating(c))
	}
	root.AddCommand(show, callers)
	return root
}

// defaultInfo parses an explicit info tag or falls back to the name of the
// code deployed at addr.
func defaultInfo(n *node.Node, addr common.Address, infoArg string) ([32]byte, error) {
	if strings.TrimSpace(infoArg) != "" {
		return registry.ParseInfo(infoArg)
	}
	acc, ok := n.Chain.Account(addr)
	switch {
	case ok && acc.Handler != nil:
		return registry.InfoFromString(acc.Handler.Name()), nil
	case ok:
		return registry.InfoFromString(acc.Kind), nil
	default:
		return [32]byte{}, clierr.New(clierr.CodeUsage, "--info is required for an address without deployed code")
	}
}

func registryEntry(n *node.Node, addr common.Address) model.RegistryEntry {
	info, ok := n.Registry.Info(addr)
	return model.RegistryEntry{
		Address:    addr.Hex(),
		Role:       "handler",
		Info:       registry.InfoString(info),
		InfoHex:    common.Hash(info).Hex(),
		Valid:      n.Registry.IsValidHandler(addr),
		Banned:     n.Registry.IsBanned(addr),
		Registered: ok,
	}
}

func callerEntry(n *node.Node, addr common.Address) model.RegistryEntry {
	info, ok := n.Registry.CallerInfo(addr)
	valid, bound := n.Registry.IsValidCaller(addr)
	e := model.RegistryEntry{
		Address:    addr.Hex(),
		Role:       "caller",
		Info:       registry.InfoString(info),
		InfoHex:    common.Hash(info).Hex(),
		Valid:      valid,
		Banned:     n.Registry.IsBanned(addr),
		Registered: ok,
	}
	if valid {
		e.BoundTo = bound.Hex()
	}
	return e
}

func parseIndexes(v string) ([]uint64, error) {
	parts := splitCSV(v)
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse rule index "+p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
	"github.com/ggonzalez94/comboproxy/internal/event/postgres"
	"github.com/ggonzalez94/comboproxy/internal/metrics"
	"github.com/ggonzalez94/comboproxy/internal/model"
	"github.com/ggonzalez94/comboproxy/internal/node"
	"github.com/ggonzalez94/comboproxy/internal/schema"
	"github.com/ggonzalez94/comboproxy/internal/signer"
	"github.com/ggonzalez94/comboproxy/internal/store"
)

// session is one command's view of the persisted world.
type session struct {
	store    *store.Store
	node     *node.Node
	metrics  *metrics.Collector
	pg       *postgres.Sink
	receipts []*chain.Receipt
}

func (s *session) close() {
	if s.pg != nil {
		s.pg.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *runtimeState) openStore() (*store.Store, error) {
	st, err := store.Open(s.settings.StatePath, s.settings.StateLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open world state", err)
	}
	return st, nil
}

// nodeOptions wires logging, event sinks and metrics into a node.
func (s *runtimeState) nodeOptions(ctx context.Context, sess *session) ([]node.Option, error) {
	sinks := []event.Sink{}
	if s.settings.EventsOut != "" {
		sinks = append(sinks, event.NewJSONL(s.settings.EventsOut))
	}
	if s.settings.PostgresDSN != "" {
		pg, err := postgres.NewSink(ctx, s.settings.PostgresDSN)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "connect postgres event sink", err)
		}
		sess.pg = pg
		sinks = append(sinks, pg)
	}
	sess.metrics = metrics.NewCollector("")
	opts := []node.Option{
		node.WithLogger(s.logger),
		node.WithObserver(sess.metrics),
		node.WithClock(s.runner.now),
	}
	if len(sinks) > 0 {
		opts = append(opts, node.WithSink(event.Fanout(sinks...)))
	}
	return opts, nil
}

// openWorld loads the persisted world. Commands other than init fail when
// no world exists yet.
func (s *runtimeState) openWorld(ctx context.Context) (*session, error) {
	st, err := s.openStore()
	if err != nil {
		return nil, err
	}
	sess := &session{store: st}
	snap, ok, err := st.LoadWorld(ctx)
	if err != nil {
		sess.close()
		return nil, clierr.Wrap(clierr.CodeInternal, "load world", err)
	}
	if !ok {
		sess.close()
		return nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("no world at %s, run %q first", s.settings.StatePath, "init"))
	}
	opts, err := s.nodeOptions(ctx, sess)
	if err != nil {
		sess.close()
		return nil, err
	}
	n, err := node.Open(snap, opts...)
	if err != nil {
		sess.close()
		return nil, err
	}
	sess.node = n
	return sess, nil
}

// commit persists the world with the receipts produced in this session,
// then exports metrics when configured.
func (s *runtimeState) commit(ctx context.Context, sess *session) error {
	if err := sess.store.Commit(ctx, sess.node.Export(), sess.receipts...); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist world", err)
	}
	if s.settings.MetricsOut != "" && sess.metrics != nil {
		if err := sess.metrics.WriteTextfile(s.settings.MetricsOut); err != nil {
			s.logger.Warn("metrics textfile write failed", zap.String("path", s.settings.MetricsOut), zap.Error(err))
		}
	}
	return nil
}

func (s *runtimeState) loadSigner() (*signer.LocalSigner, error) {
	if s.signer != nil {
		return s.signer, nil
	}
	sgn, err := signer.NewLocalSignerFromInputs(s.keySource, s.privateKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "load signer", err)
	}
	s.signer = sgn
	return sgn, nil
}

// txFunc performs one state change as from. A nil receipt with a nil error
// means the change happened outside a transaction, as deployments do.
type txFunc func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error)

// runTx signs as the local key, applies fn, and persists the world. A
// reverted transaction is persisted too, since it still consumes a nonce,
// and its error becomes the command's error.
func (s *runtimeState) runTx(cmd *cobra.Command, fn txFunc) error {
	ctx := commandContext(cmd)
	sgn, err := s.loadSigner()
	if err != nil {
		return err
	}
	sess, err := s.openWorld(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	data, receipt, runErr := fn(ctx, sess, sgn.Address())
	if receipt == nil && runErr != nil {
		return runErr
	}
	if receipt != nil {
		sess.receipts = append(sess.receipts, receipt)
	}
	if err := s.commit(ctx, sess); err != nil {
		return err
	}
	if receipt != nil {
		s.lastTx = txMeta(receipt, sess.node.StateHash())
	}
	if runErr != nil {
		return runErr
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
}

// runView opens the world read-only and renders fn's result.
func (s *runtimeState) runView(cmd *cobra.Command, fn func(ctx context.Context, sess *session) (any, error)) error {
	ctx := commandContext(cmd)
	sess, err := s.openWorld(ctx)
	if err != nil {
		return err
	}
	defer sess.close()
	data, err := fn(ctx, sess)
	if err != nil {
		return err
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
}

func txMeta(r *chain.Receipt, stateHash common.Hash) *model.TxMeta {
	return &model.TxMeta{
		Hash:      r.TxHash.Hex(),
		Block:     r.Block,
		Status:    r.Status,
		Method:    r.Method,
		StateHash: stateHash.Hex(),
	}
}

func worldInfo(n *node.Node) model.World {
	return model.World{
		ChainID:      n.Chain.ChainID().String(),
		Block:        n.Chain.Block(),
		Owner:        n.Owner().Hex(),
		Registry:     n.Registry.Address().Hex(),
		FeeRule:      n.Fees.Address().Hex(),
		Proxy:        n.Proxy.Address().Hex(),
		BasisFeeRate: n.Fees.BasisFeeRate().Dec(),
		Collector:    n.Fees.FeeCollector().Hex(),
		Halted:       n.Registry.IsHalted(),
		StateHash:    n.StateHash().Hex(),
	}
}

func mutating(cmd *cobra.Command) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[schema.AnnotationMutates] = "true"
	return cmd
}

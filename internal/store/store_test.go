package store

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ggonzalez94/comboproxy/internal/batch"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/handler/mock"
	"github.com/ggonzalez94/comboproxy/internal/node"
	"github.com/ggonzalez94/comboproxy/internal/registry"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000f0")

func openStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.db"), filepath.Join(dir, "state.lock"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitAndLoadWorld(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if _, ok, err := s.LoadWorld(ctx); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	n, err := node.New(node.Genesis{ChainID: big.NewInt(1), Owner: owner, BasisRate: uint256.NewInt(0), Collector: owner})
	if err != nil {
		t.Fatalf("node.New failed: %v", err)
	}
	h, err := n.Deploy(owner, node.KindMock)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	reg, err := n.RegisterHandler(ctx, owner, h, registry.InfoFromString("Mock"))
	if err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	run, err := n.BatchExec(ctx, owner, nil, []batch.Step{{Target: h, Config: batch.StaticConfig(0), Data: mock.Bar(3)}}, nil)
	if err != nil {
		t.Fatalf("BatchExec failed: %v", err)
	}
	failed, _ := n.BatchExec(ctx, owner, nil, []batch.Step{{Target: h, Config: batch.StaticConfig(0), Data: mock.Fail("no")}}, nil)
	if err := s.Commit(ctx, n.Export(), reg, run, failed); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	snap, ok, err := s.LoadWorld(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadWorld failed: ok=%v err=%v", ok, err)
	}
	reopened, err := node.Open(snap)
	if err != nil {
		t.Fatalf("node.Open failed: %v", err)
	}
	if reopened.StateHash() != n.StateHash() {
		t.Fatal("expected stored world to match")
	}

	got, err := s.GetReceipt(ctx, run.TxHash.Hex())
	if err != nil {
		t.Fatalf("GetReceipt failed: %v", err)
	}
	if got.Method != "batchExec" || len(got.Logs) != len(run.Logs) {
		t.Fatalf("unexpected receipt: %+v", got)
	}
	receipts, err := s.ListReceipts(ctx, 10)
	if err != nil || len(receipts) != 3 {
		t.Fatalf("expected three receipts, got %d (%v)", len(receipts), err)
	}
	if receipts[0].Status != 0 {
		t.Fatal("expected newest receipt first")
	}

	begins, err := s.ListEvents(ctx, EventFilter{Name: "LogBegin"})
	if err != nil || len(begins) != 1 {
		t.Fatalf("expected one LogBegin event, got %d (%v)", len(begins), err)
	}
	all, err := s.ListEvents(ctx, EventFilter{TxHash: run.TxHash.Hex()})
	if err != nil || len(all) != len(run.Logs) {
		t.Fatalf("expected %d events of the batch, got %d (%v)", len(run.Logs), len(all), err)
	}

	if _, err := s.GetReceipt(ctx, "0xmissing"); !clierr.HasCode(err, clierr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, ok, _ := s.LoadWorld(ctx); ok {
		t.Fatal("expected empty store after reset")
	}
}

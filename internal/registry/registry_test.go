package registry

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/event"
)

type testEnv struct {
	undo []func()
	logs []event.Log
}

func (e *testEnv) Record(undo func()) { e.undo = append(e.undo, undo) }

func (e *testEnv) Emit(l event.Log) { e.logs = append(e.logs, l) }

func (e *testEnv) revert() {
	for i := len(e.undo) - 1; i >= 0; i-- {
		e.undo[i]()
	}
	e.undo = nil
}

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000002")
	hMock    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lender   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func newRegistry() *Registry {
	return New(common.HexToAddress("0x00000000000000000000000000000000000000ff"), owner)
}

func TestRegisterRequiresOwner(t *testing.T) {
	r := newRegistry()
	env := &testEnv{}
	err := r.Register(env, stranger, hMock, InfoFromString("Mock"))
	if !clierr.HasCode(err, clierr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if r.IsValidHandler(hMock) {
		t.Fatal("handler registered despite unauthorized caller")
	}
}

func TestRegisterAndInfo(t *testing.T) {
	r := newRegistry()
	env := &testEnv{}
	if err := r.Register(env, owner, hMock, InfoFromString("Mock")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !r.IsValidHandler(hMock) {
		t.Fatal("expected handler to be valid")
	}
	info, _ := r.Info(hMock)
	if InfoString(info) != "Mock" {
		t.Fatalf("unexpected info: %s", InfoString(info))
	}
	// re-registering an active handler overwrites its info
	if err := r.Register(env, owner, hMock, InfoFromString("Mock v2")); err != nil {
		t.Fatalf("re-Register failed: %v", err)
	}
	info, _ = r.Info(hMock)
	if InfoString(info) != "Mock v2" {
		t.Fatalf("expected overwritten info, got %s", InfoString(info))
	}
	if len(env.logs) != 2 || env.logs[0].Name != "Registered" || env.logs[0].Fields["info"] != "Mock" {
		t.Fatalf("unexpected events: %#v", env.logs)
	}
	if err := r.Register(env, owner, common.Address{}, InfoFromString("x")); !clierr.HasCode(err, clierr.CodeInvalidArgument) {
		t.Fatalf("expected zero address rejection, got %v", err)
	}
}

func TestUnregisterTombstones(t *testing.T) {
	r := newRegistry()
	env := &testEnv{}
	if err := r.Unregister(env, owner, hMock); err == nil || err.Error() != "no registration" {
		t.Fatalf("expected no registration error, got %v", err)
	}
	_ = r.Register(env, owner, hMock, InfoFromString("Mock"))
	if err := r.Unregister(env, owner, hMock); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if r.IsValidHandler(hMock) {
		t.Fatal("expected unregistered handler to be invalid")
	}
	info, ok := r.Info(hMock)
	if !ok || info != Deprecated {
		t.Fatal("expected deprecated tombstone")
	}
	if err := r.Register(env, owner, hMock, InfoFromString("Mock")); err == nil || err.Error() != "unregistered" {
		t.Fatalf("expected re-register of tombstone to fail, got %v", err)
	}
	if err := r.Unregister(env, owner, hMock); !clierr.HasCode(err, clierr.CodeNotRegistered) {
		t.Fatalf("expected second unregister to fail, got %v", err)
	}
}

func TestCallerBinding(t *testing.T) {
	r := newRegistry()
	env := &testEnv{}
	if ok, _ := r.IsValidCaller(lender); ok {
		t.Fatal("unexpected valid caller before binding")
	}
	if err := r.RegisterCaller(env, stranger, lender, hMock); !clierr.HasCode(err, clierr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := r.RegisterCaller(env, owner, lender, hMock); err != nil {
		t.Fatalf("RegisterCaller failed: %v", err)
	}
	ok, bound := r.IsValidCaller(lender)
	if !ok || bound != hMock {
		t.Fatalf("unexpected binding: ok=%v bound=%s", ok, bound.Hex())
	}
	if err := r.UnregisterCaller(env, owner, lender); err != nil {
		t.Fatalf("UnregisterCaller failed: %v", err)
	}
	if ok, _ := r.IsValidCaller(lender); ok {
		t.Fatal("expected caller to be invalid after unregister")
	}
	if err := r.RegisterCaller(env, owner, lender, hMock); err == nil {
		t.Fatal("expected tombstoned caller registration to fail")
	}
}

func TestHaltAndBan(t *testing.T) {
	r := newRegistry()
	env := &testEnv{}
	if err := r.Halt(env, stranger); !clierr.HasCode(err, clierr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized halt, got %v", err)
	}
	if err := r.Halt(env, owner); err != nil {
		t.Fatalf("Halt failed: %v", err)
	}
	if !r.IsHalted() {
		t.Fatal("expected halted")
	}
	if err := r.Halt(env, owner); err == nil {
		t.Fatal("expected double halt to fail")
	}
	if err := r.Unhalt(env, owner); err != nil || r.IsHalted() {
		t.Fatalf("Unhalt failed: %v", err)
	}

	agent := common.HexToAddress("0x0000000000000000000000000000000000000c0c")
	if err := r.Ban(env, owner, agent); err != nil || !r.IsBanned(agent) {
		t.Fatalf("Ban failed: %v", err)
	}
	if err := r.Unban(env, owner, agent); err != nil || r.IsBanned(agent) {
		t.Fatalf("Unban failed: %v", err)
	}
	if err := r.Unban(env, owner, agent); err == nil {
		t.Fatal("expected unban of unbanned agent to fail")
	}
}

func TestMutationsRevertWithJournal(t *testing.T) {
	r := newRegistry()
	env := &testEnv{}
	_ = r.Register(env, owner, hMock, InfoFromString("Mock"))
	env.undo = nil

	_ = r.Unregister(env, owner, hMock)
	_ = r.RegisterCaller(env, owner, lender, hMock)
	_ = r.Halt(env, owner)
	_ = r.TransferOwnership(env, owner, stranger)
	env.revert()

	if !r.IsValidHandler(hMock) {
		t.Fatal("expected handler registration to be restored")
	}
	if ok, _ := r.IsValidCaller(lender); ok {
		t.Fatal("expected caller binding to be undone")
	}
	if r.IsHalted() {
		t.Fatal("expected halt to be undone")
	}
	if r.Owner() != owner {
		t.Fatal("expected ownership transfer to be undone")
	}
}

func TestParseInfo(t *testing.T) {
	info, err := ParseInfo("HFunds")
	if err != nil || InfoString(info) != "HFunds" {
		t.Fatalf("unexpected text info: %v %s", err, InfoString(info))
	}
	raw := "0x" + "00" + "11" + "000000000000000000000000000000000000000000000000000000000000"
	info, err = ParseInfo(raw)
	if err != nil || info[1] != 0x11 {
		t.Fatalf("unexpected hex info: %v %x", err, info)
	}
	if _, err := ParseInfo("this tag is definitely longer than thirty two bytes"); err == nil {
		t.Fatal("expected long tag to fail")
	}
}

func TestExportImport(t *testing.T) {
	r := newRegistry()
	env := &testEnv{}
	other := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	if err := r.Register(env, owner, hMock, InfoFromString("Mock")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(env, owner, other, InfoFromString("Other")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Unregister(env, owner, other); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if err := r.RegisterCaller(env, owner, lender, hMock); err != nil {
		t.Fatalf("RegisterCaller failed: %v", err)
	}
	if err := r.Ban(env, owner, stranger); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}

	restored, err := Import(r.Export())
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if !restored.IsValidHandler(hMock) || restored.IsValidHandler(other) {
		t.Fatal("handler validity not preserved")
	}
	if err := restored.Register(env, owner, other, InfoFromString("Other")); !clierr.HasCode(err, clierr.CodeNotRegistered) {
		t.Fatal("expected tombstone to survive import")
	}
	ok, bound := restored.IsValidCaller(lender)
	if !ok || bound != hMock {
		t.Fatalf("caller binding not preserved: %v %s", ok, bound.Hex())
	}
	if !restored.IsBanned(stranger) || restored.Owner() != owner {
		t.Fatal("ban list or owner not preserved")
	}

	snap := r.Export()
	snap.Handlers[0].Info = []byte{1, 2, 3}
	if _, err := Import(snap); !clierr.HasCode(err, clierr.CodeInvalidArgument) {
		t.Fatalf("expected invalid info length, got %v", err)
	}
}

package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("comboproxy registry halt"); got != "registry halt" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestSplitCSV(t *testing.T) {
	items := splitCSV("Registry, fee rule ,")
	if len(items) != 2 || items[0] != "registry" || items[1] != "fee rule" {
		t.Fatalf("unexpected split: %#v", items)
	}
}

func TestParseIndexes(t *testing.T) {
	got, err := parseIndexes("0, 2")
	if err != nil {
		t.Fatalf("parseIndexes failed: %v", err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("unexpected indexes: %#v", got)
	}
	if _, err := parseIndexes("one"); err == nil {
		t.Fatal("expected error for non-numeric index")
	}
}

type cliHarness struct {
	t     *testing.T
	state string
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	for _, key := range []string{"COMBO_OUTPUT", "COMBO_LOG_LEVEL", "COMBO_STATE_PATH", "COMBO_STATE_LOCK_PATH", "COMBO_EVENTS_OUT", "COMBO_PG_DSN", "COMBO_METRICS_OUT", "COMBO_PRIVATE_KEY"} {
		t.Setenv(key, "")
	}
	return &cliHarness{t: t, state: filepath.Join(dir, "world.db")}
}

func (h *cliHarness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	full := append([]string{"--state", h.state, "--private-key", testKey, "--log-level", "error"}, args...)
	code := r.Run(full)
	return code, stdout.String(), stderr.String()
}

// ok runs args and decodes the data payload into out.
func (h *cliHarness) ok(out any, args ...string) {
	h.t.Helper()
	code, stdout, stderr := h.run(append(args, "--results-only")...)
	if code != 0 {
		h.t.Fatalf("%v: expected exit 0, got %d stderr=%s", args, code, stderr)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		h.t.Fatalf("%v: failed to parse output json: %v output=%s", args, err, stdout)
	}
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    int    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		Command string `json:"command"`
		Tx      *struct {
			Hash   string `json:"hash"`
			Status uint64 `json:"status"`
		} `json:"tx"`
	} `json:"meta"`
}

func (h *cliHarness) fail(wantCode int, args ...string) errorEnvelope {
	h.t.Helper()
	code, _, stderr := h.run(args...)
	if code != wantCode {
		h.t.Fatalf("%v: expected exit %d, got %d stderr=%s", args, wantCode, code, stderr)
	}
	var env errorEnvelope
	if err := json.Unmarshal([]byte(stderr), &env); err != nil {
		h.t.Fatalf("%v: failed to parse error envelope: %v output=%s", args, err, stderr)
	}
	if env.Success {
		h.t.Fatalf("%v: expected success=false", args)
	}
	return env
}

type worldOut struct {
	Owner     string `json:"owner"`
	Proxy     string `json:"proxy"`
	Registry  string `json:"registry"`
	Halted    bool   `json:"halted"`
	StateHash string `json:"state_hash"`
}

func (h *cliHarness) initWorld() worldOut {
	h.t.Helper()
	var w worldOut
	h.ok(&w, "init")
	return w
}

func (h *cliHarness) deployMock(register bool) string {
	h.t.Helper()
	args := []string{"handler", "deploy", "--kind", "mock"}
	if register {
		args = append(args, "--register")
	}
	var dep struct {
		Kind    string `json:"kind"`
		Address string `json:"address"`
	}
	h.ok(&dep, args...)
	if dep.Address == "" {
		h.t.Fatalf("deploy returned no address")
	}
	return dep.Address
}

func TestRunnerCommandsRequireWorld(t *testing.T) {
	h := newHarness(t)
	env := h.fail(17, "state", "hash")
	if env.Error.Type != "not_found" || !strings.Contains(env.Error.Message, "init") {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
}

func TestRunnerInitCreatesWorld(t *testing.T) {
	h := newHarness(t)
	w := h.initWorld()
	if !strings.EqualFold(w.Owner, testAddress) {
		t.Fatalf("expected owner %s, got %s", testAddress, w.Owner)
	}
	if w.Proxy == "" || w.Proxy == w.Registry || w.Halted {
		t.Fatalf("unexpected world: %+v", w)
	}

	env := h.fail(2, "init")
	if !strings.Contains(env.Error.Message, "--force") {
		t.Fatalf("expected hint about --force, got %q", env.Error.Message)
	}
	h.ok(nil, "init", "--force")
}

func TestRunnerProxyCallRecordsReceipt(t *testing.T) {
	h := newHarness(t)
	h.initWorld()
	mock := h.deployMock(true)

	code, stdout, stderr := h.run("proxy", "call", "--handler", mock, "--method", "bar", "--arg", "5", "--return", "1")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Status  uint64   `json:"status"`
			Method  string   `json:"method"`
			Results []string `json:"results"`
		} `json:"data"`
		Meta struct {
			Tx *struct {
				Hash   string `json:"hash"`
				Method string `json:"method"`
			} `json:"tx"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(stdout), &env); err != nil {
		t.Fatalf("failed to parse envelope: %v output=%s", err, stdout)
	}
	if !env.Success || env.Data.Status != 1 || env.Data.Method != "execute" {
		t.Fatalf("unexpected result: %+v", env.Data)
	}
	if len(env.Data.Results) != 1 {
		t.Fatalf("expected one result, got %#v", env.Data.Results)
	}
	if env.Meta.Tx == nil || env.Meta.Tx.Method != "execute" || env.Meta.Tx.Hash == "" {
		t.Fatalf("expected tx meta, got %+v", env.Meta.Tx)
	}

	var receipt struct {
		TxHash string `json:"tx_hash"`
		Status uint64 `json:"status"`
		Logs   []any  `json:"logs"`
	}
	h.ok(&receipt, "tx", "show", "--hash", env.Meta.Tx.Hash)
	if receipt.Status != 1 || len(receipt.Logs) == 0 {
		t.Fatalf("unexpected stored receipt: %+v", receipt)
	}

	var begins []map[string]any
	h.ok(&begins, "events", "list", "--tx", env.Meta.Tx.Hash, "--name", "LogBegin")
	if len(begins) != 1 {
		t.Fatalf("expected one LogBegin, got %d", len(begins))
	}
}

func TestRunnerFailedCallPersistsReceipt(t *testing.T) {
	h := newHarness(t)
	h.initWorld()
	unregistered := h.deployMock(false)

	var before struct {
		StateHash string `json:"state_hash"`
		Holdings  string `json:"holdings_hash"`
	}
	h.ok(&before, "state", "hash")

	env := h.fail(21, "proxy", "call", "--handler", unregistered, "--method", "bar", "--arg", "1")
	if env.Error.Type != "unknown_handler" || !strings.HasPrefix(env.Error.Message, "0_") {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
	if env.Meta.Tx == nil || env.Meta.Tx.Status != 0 {
		t.Fatalf("expected failed tx meta, got %+v", env.Meta.Tx)
	}

	var receipts []struct {
		TxHash string `json:"tx_hash"`
		Status uint64 `json:"status"`
		Logs   []any  `json:"logs"`
	}
	h.ok(&receipts, "tx", "list")
	if len(receipts) == 0 || receipts[0].Status != 0 || len(receipts[0].Logs) != 0 {
		t.Fatalf("expected newest receipt to be the reverted call, got %+v", receipts)
	}

	var after struct {
		Holdings string `json:"holdings_hash"`
	}
	h.ok(&after, "state", "hash")
	if after.Holdings != before.Holdings {
		t.Fatalf("reverted call changed holdings: %s -> %s", before.Holdings, after.Holdings)
	}
}

func TestRunnerExecBatchFile(t *testing.T) {
	h := newHarness(t)
	h.initWorld()
	mock := h.deployMock(true)

	path := filepath.Join(t.TempDir(), "batch.yaml")
	doc := "steps:\n" +
		"  - target: \"" + mock + "\"\n" +
		"    method: bar\n" +
		"    args: [\"1\"]\n" +
		"    return: 1\n" +
		"  - target: \"" + mock + "\"\n" +
		"    method: bar\n" +
		"    args: [\"2\"]\n" +
		"    return: 1\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write batch file: %v", err)
	}

	var res struct {
		Status  uint64   `json:"status"`
		Method  string   `json:"method"`
		Results []string `json:"results"`
	}
	h.ok(&res, "proxy", "exec", "--batch", path)
	if res.Status != 1 || res.Method != "batchExec" || len(res.Results) != 2 {
		t.Fatalf("unexpected batch result: %+v", res)
	}

	var ends []map[string]any
	h.ok(&ends, "events", "list", "--name", "LogEnd")
	if len(ends) != 2 {
		t.Fatalf("expected two LogEnd events, got %d", len(ends))
	}
}

func TestRunnerHaltBlocksDispatch(t *testing.T) {
	h := newHarness(t)
	h.initWorld()
	mock := h.deployMock(true)

	var w worldOut
	h.ok(&w, "registry", "halt")
	if !w.Halted {
		t.Fatal("expected halted world")
	}
	env := h.fail(26, "proxy", "call", "--handler", mock, "--method", "bar", "--arg", "1")
	if env.Error.Type != "halted" {
		t.Fatalf("unexpected error type %q", env.Error.Type)
	}
	h.ok(&w, "registry", "unhalt")
	h.ok(nil, "proxy", "call", "--handler", mock, "--method", "bar", "--arg", "1")
}

func TestRunnerNonOwnerIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.ok(nil, "init", "--owner", "0x000000000000000000000000000000000000dEaD")
	env := h.fail(20, "registry", "halt")
	if env.Error.Type != "unauthorized" {
		t.Fatalf("unexpected error type %q", env.Error.Type)
	}
}

func TestRunnerFeeRuleLifecycle(t *testing.T) {
	h := newHarness(t)
	h.ok(nil, "init", "--basis-rate", "0.002")

	var rule struct {
		Index    uint64 `json:"index"`
		Kind     string `json:"kind"`
		Discount string `json:"discount"`
	}
	h.ok(&rule, "fee", "rule", "register", "--kind", "native-balance", "--discount", "0.5", "--min", "1000")
	if rule.Index != 0 {
		t.Fatalf("expected first rule at index 0, got %d", rule.Index)
	}

	var quote struct {
		Rate string `json:"rate"`
	}
	h.ok(&quote, "fee", "rate", "--account", testAddress, "--rules", "0")
	if quote.Rate != "2000000000000000" {
		t.Fatalf("expected basis rate without holdings, got %s", quote.Rate)
	}

	h.ok(nil, "ledger", "mint", "--account", testAddress, "--amount", "1000", "--decimals=-1")
	h.ok(&quote, "fee", "rate", "--account", testAddress, "--rules", "0")
	if quote.Rate != "1000000000000000" {
		t.Fatalf("expected discounted rate, got %s", quote.Rate)
	}

	h.ok(nil, "fee", "rule", "unregister", "--index", "0")
	var rules []map[string]any
	h.ok(&rules, "fee", "rule", "list")
	if len(rules) != 0 {
		t.Fatalf("expected no active rules, got %v", rules)
	}
}

func TestRunnerLedgerMintAndBalance(t *testing.T) {
	h := newHarness(t)
	h.initWorld()
	h.ok(nil, "ledger", "mint", "--account", testAddress, "--amount", "1.5")

	var bal struct {
		Amount        string `json:"amount"`
		AmountDecimal string `json:"amount_decimal"`
	}
	h.ok(&bal, "ledger", "balance", "--account", testAddress)
	if bal.Amount != "1500000000000000000" {
		t.Fatalf("unexpected balance: %+v", bal)
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	h := newHarness(t)
	h.initWorld()
	code, _, stderr := h.run("registry", "halt", "--enable-commands", "state", "--results-only")
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr)
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(stderr), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr)
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
}

func TestRunnerSchemaMarksMutatingCommands(t *testing.T) {
	h := newHarness(t)
	var halt struct {
		Path    string `json:"path"`
		Mutates bool   `json:"mutates_state"`
	}
	h.ok(&halt, "schema", "registry", "halt")
	if !strings.HasSuffix(halt.Path, "registry halt") || !halt.Mutates {
		t.Fatalf("unexpected schema: %+v", halt)
	}

	var show struct {
		Mutates bool `json:"mutates_state"`
	}
	h.ok(&show, "schema", "state", "hash")
	if show.Mutates {
		t.Fatal("state hash must not be marked as mutating")
	}
}

func TestRunnerUsageErrorForMissingFlag(t *testing.T) {
	h := newHarness(t)
	h.initWorld()
	env := h.fail(2, "proxy", "call")
	if env.Error.Type != "usage_error" {
		t.Fatalf("unexpected error type %q", env.Error.Type)
	}
}

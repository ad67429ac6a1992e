package env

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowbench/internal/rpc"
	"github.com/tombee/flowbench/internal/txn"
	"github.com/tombee/flowbench/pkg/benchmark"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// fakeAccount is one account of the in-memory ledger.
type fakeAccount struct {
	lamports   uint64
	owner      string
	data       []byte
	executable bool
}

// fakeLedger serves the JSON-RPC surface the environment drives,
// including the privileged surfnet_* calls, against an in-memory account
// map. One instance plays the sandbox, another the upstream ledger.
type fakeLedger struct {
	mu         sync.Mutex
	accounts   map[string]*fakeAccount
	blockhash  string
	simErr     any
	simLogs    []string
	confirmErr any
	sendRPCErr *rpc.Error
	failAll    bool
	calls      []string
	sent       []string
	simulated  []string
	setKeys    []string
	sigSeq     int
}

func newFakeLedger() *fakeLedger {
	hashBytes := make([]byte, 32)
	for i := range hashBytes {
		hashBytes[i] = byte(i + 1)
	}
	f := &fakeLedger{
		accounts:  make(map[string]*fakeAccount),
		blockhash: base58.Encode(hashBytes),
	}
	for _, program := range []string{
		txn.SystemProgramID.String(),
		txn.TokenProgramID.String(),
		txn.AssociatedTokenProgramID.String(),
	} {
		f.accounts[program] = &fakeAccount{
			lamports:   1,
			owner:      "NativeLoader1111111111111111111111111111111",
			executable: true,
		}
	}
	return f
}

func (f *fakeLedger) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		if f.failAll {
			f.mu.Unlock()
			http.Error(w, "ledger unavailable", http.StatusInternalServerError)
			return
		}
		f.calls = append(f.calls, req.Method)
		result, rpcErr := f.handle(req.Method, req.Params)
		f.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeLedger) handle(method string, params []json.RawMessage) (any, *rpc.Error) {
	switch method {
	case "getHealth":
		return "ok", nil

	case "getLatestBlockhash":
		return ctxValue(map[string]any{"blockhash": f.blockhash, "lastValidBlockHeight": 100}), nil

	case "getBalance":
		var key string
		mustUnmarshal(params[0], &key)
		var lamports uint64
		if acct := f.accounts[key]; acct != nil {
			lamports = acct.lamports
		}
		return ctxValue(lamports), nil

	case "getAccountInfo":
		var key string
		mustUnmarshal(params[0], &key)
		return ctxValue(f.accountJSON(key)), nil

	case "getMultipleAccounts":
		var keys []string
		mustUnmarshal(params[0], &keys)
		values := make([]any, len(keys))
		for i, key := range keys {
			values[i] = f.accountJSON(key)
		}
		return ctxValue(values), nil

	case "simulateTransaction":
		var tx string
		mustUnmarshal(params[0], &tx)
		f.simulated = append(f.simulated, tx)
		return ctxValue(map[string]any{
			"err":           f.simErr,
			"logs":          f.simLogs,
			"unitsConsumed": 150,
		}), nil

	case "sendTransaction":
		if f.sendRPCErr != nil {
			return nil, f.sendRPCErr
		}
		var tx string
		mustUnmarshal(params[0], &tx)
		f.sent = append(f.sent, tx)
		f.sigSeq++
		return fmt.Sprintf("sig-%d", f.sigSeq), nil

	case "getSignatureStatuses":
		var sigs []string
		mustUnmarshal(params[0], &sigs)
		values := make([]any, len(sigs))
		for i := range sigs {
			values[i] = map[string]any{
				"slot":               1,
				"confirmationStatus": "confirmed",
				"err":                f.confirmErr,
			}
		}
		return ctxValue(values), nil

	case "requestAirdrop":
		var key string
		mustUnmarshal(params[0], &key)
		var lamports uint64
		mustUnmarshal(params[1], &lamports)
		acct := f.accounts[key]
		if acct == nil {
			acct = &fakeAccount{owner: txn.SystemProgramID.String()}
			f.accounts[key] = acct
		}
		acct.lamports += lamports
		f.sigSeq++
		return fmt.Sprintf("airdrop-%d", f.sigSeq), nil

	case "surfnet_setAccount":
		var key string
		mustUnmarshal(params[0], &key)
		var fields struct {
			Lamports   *uint64 `json:"lamports"`
			Owner      *string `json:"owner"`
			Executable *bool   `json:"executable"`
			Data       *string `json:"data"`
		}
		mustUnmarshal(params[1], &fields)
		acct := f.accounts[key]
		if acct == nil {
			acct = &fakeAccount{owner: txn.SystemProgramID.String()}
			f.accounts[key] = acct
		}
		if fields.Lamports != nil {
			acct.lamports = *fields.Lamports
		}
		if fields.Owner != nil {
			acct.owner = *fields.Owner
		}
		if fields.Executable != nil {
			acct.executable = *fields.Executable
		}
		if fields.Data != nil {
			data, err := hex.DecodeString(*fields.Data)
			if err != nil {
				return nil, &rpc.Error{Code: -32602, Message: "data is not hex"}
			}
			acct.data = data
		}
		f.setKeys = append(f.setKeys, key)
		return nil, nil

	case "surfnet_setTokenAccount":
		var owner, mint string
		mustUnmarshal(params[0], &owner)
		mustUnmarshal(params[1], &mint)
		var opts struct {
			Amount uint64 `json:"amount"`
		}
		mustUnmarshal(params[2], &opts)
		ownerKey, err := txn.ParsePubkey(owner)
		if err != nil {
			return nil, &rpc.Error{Code: -32602, Message: "bad owner"}
		}
		mintKey, err := txn.ParsePubkey(mint)
		if err != nil {
			return nil, &rpc.Error{Code: -32602, Message: "bad mint"}
		}
		ata, err := txn.AssociatedTokenAddress(ownerKey, mintKey)
		if err != nil {
			return nil, &rpc.Error{Code: -32602, Message: "derivation failed"}
		}
		data := make([]byte, txn.TokenAccountSize)
		copy(data[0:32], mintKey[:])
		copy(data[32:64], ownerKey[:])
		binary.LittleEndian.PutUint64(data[64:72], opts.Amount)
		f.accounts[ata.String()] = &fakeAccount{
			lamports: 2039280,
			owner:    txn.TokenProgramID.String(),
			data:     data,
		}
		return nil, nil

	case "surfnet_resetAccount":
		var key string
		mustUnmarshal(params[0], &key)
		delete(f.accounts, key)
		return nil, nil
	}
	return nil, &rpc.Error{Code: -32601, Message: "method not found: " + method}
}

func (f *fakeLedger) accountJSON(key string) any {
	acct := f.accounts[key]
	if acct == nil {
		return nil
	}
	return map[string]any{
		"lamports":   acct.lamports,
		"owner":      acct.owner,
		"data":       []string{base64.StdEncoding.EncodeToString(acct.data), "base64"},
		"executable": acct.executable,
		"rentEpoch":  0,
	}
}

func (f *fakeLedger) account(key string) *fakeAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := f.accounts[key]
	if acct == nil {
		return nil
	}
	copied := *acct
	return &copied
}

func (f *fakeLedger) seedAccount(key string, acct fakeAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[key] = &acct
}

func (f *fakeLedger) setSimFailure(simErr any, logs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simErr = simErr
	f.simLogs = logs
}

func (f *fakeLedger) setSendError(rpcErr *rpc.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendRPCErr = rpcErr
}

func (f *fakeLedger) setConfirmError(chainErr any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmErr = chainErr
}

func (f *fakeLedger) failRequests() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = true
}

func (f *fakeLedger) methodCalls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == method {
			count++
		}
	}
	return count
}

// firstCall returns the index of the first occurrence of method in the
// call trace, or -1.
func (f *fakeLedger) firstCall(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, call := range f.calls {
		if call == method {
			return i
		}
	}
	return -1
}

func (f *fakeLedger) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeLedger) firstSimulated() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.simulated) == 0 {
		return ""
	}
	return f.simulated[0]
}

func (f *fakeLedger) injectedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.setKeys...)
}

func mustUnmarshal(raw json.RawMessage, out any) {
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("fake ledger: bad params: %v", err))
	}
}

func ctxValue(v any) map[string]any {
	return map[string]any{
		"context": map[string]any{"slot": 1},
		"value":   v,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv wires an environment to fresh sandbox and upstream fakes
// with timing shrunk for tests.
func newTestEnv(t *testing.T) (*Environment, *fakeLedger, *fakeLedger) {
	t.Helper()
	sandbox := newFakeLedger()
	upstream := newFakeLedger()
	sandboxSrv := sandbox.server(t)
	upstreamSrv := upstream.server(t)

	e, err := New(Config{
		SandboxURL:      sandboxSrv.URL,
		UpstreamURL:     upstreamSrv.URL,
		UpstreamRPS:     1000,
		SettleDelay:     time.Millisecond,
		ObserveAttempts: 2,
		ObserveDelay:    time.Millisecond,
		Logger:          testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, sandbox, upstream
}

func solTransferCase() *benchmark.TestCase {
	return &benchmark.TestCase{
		ID:          "001-sol-transfer",
		Description: "transfer SOL between two wallets",
		InitialState: []benchmark.AccountState{
			{Pubkey: "USER_WALLET_PUBKEY", Owner: txn.SystemProgramID.String(), Lamports: 5_000_000_000},
			{Pubkey: "RECIPIENT_WALLET_PUBKEY", Owner: txn.SystemProgramID.String(), Lamports: 1_000_000_000},
		},
		Prompt: "Send 0.1 SOL from (USER_WALLET_PUBKEY) to (RECIPIENT_WALLET_PUBKEY)",
		GroundTruth: benchmark.GroundTruth{
			TransactionStatus: benchmark.TransactionSuccess,
		},
	}
}

func splTransferCase() *benchmark.TestCase {
	tc := solTransferCase()
	tc.ID = "002-spl-transfer"
	tc.Description = "transfer USDC between token accounts"
	tc.InitialState = append(tc.InitialState, benchmark.AccountState{
		Pubkey: "USER_USDC_ATA",
		Owner:  txn.TokenProgramID.String(),
		Data: &benchmark.SplAccountData{
			Mint:   usdcMint,
			Owner:  "USER_WALLET_PUBKEY",
			Amount: "15000000",
		},
	})
	tc.Prompt = "Send 15 USDC from (USER_USDC_ATA) to (RECIPIENT_USDC_ATA)"
	return tc
}

func systemTransferData(lamports uint64) string {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return base58.Encode(data)
}

// Package env is the hermetic execution environment benchmarks run in.
//
// An Environment wraps a forked-ledger sandbox validator and exposes the
// four-call contract the runner drives: Reset provisions the benchmark's
// initial on-chain state, Step executes one instruction set as a signed
// transaction, Render reports the run trace, and Close releases the
// sandbox. When no endpoint is supplied the environment launches its own
// validator child process and guarantees its termination on Close, no
// matter how the run ended.
//
// Privileged surfnet_* state injection is confined to Reset and to the
// pre-submission account preloader. Once a step's transaction is
// submitted, nothing touches ledger state except the chain itself.
package env

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/flowbench/internal/lifecycle"
	"github.com/tombee/flowbench/internal/rpc"
	"github.com/tombee/flowbench/internal/txn"
	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
	"github.com/tombee/flowbench/pkg/errors"
)

const (
	// DefaultUpstreamURL is the real ledger missing accounts are cloned
	// from, matching the sandbox validator's own fork source.
	DefaultUpstreamURL = "https://api.mainnet-beta.solana.com"

	// DefaultUpstreamRPS throttles upstream reads. Public endpoints
	// reject unthrottled clients.
	DefaultUpstreamRPS = 2.0

	defaultUpstreamBurst   = 4
	defaultSettleDelay     = 500 * time.Millisecond
	defaultObserveAttempts = 3
	defaultObserveDelay    = 500 * time.Millisecond
)

// Config controls how the environment reaches its ledgers.
type Config struct {
	// SandboxURL attaches to an already-running sandbox validator. Empty
	// launches an owned validator child process using Validator.
	SandboxURL string

	// UpstreamURL is the real ledger endpoint used to clone accounts the
	// sandbox fork is missing. Empty uses DefaultUpstreamURL.
	UpstreamURL string

	// UpstreamRPS rate-limits upstream reads. Zero uses
	// DefaultUpstreamRPS.
	UpstreamRPS float64

	// Validator configures the owned validator process when SandboxURL
	// is empty.
	Validator lifecycle.ValidatorConfig

	// SettleDelay is the pause after privileged state writes before the
	// first observation. Zero uses 500ms.
	SettleDelay time.Duration

	// ObserveAttempts is how many fetch rounds an observation makes
	// before accepting missing accounts. Zero uses 3.
	ObserveAttempts int

	// ObserveDelay is the pause between observation fetch rounds. Zero
	// uses 500ms.
	ObserveDelay time.Duration

	// Logger receives environment tracing. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.UpstreamURL == "" {
		c.UpstreamURL = DefaultUpstreamURL
	}
	if c.UpstreamRPS <= 0 {
		c.UpstreamRPS = DefaultUpstreamRPS
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.ObserveAttempts <= 0 {
		c.ObserveAttempts = defaultObserveAttempts
	}
	if c.ObserveDelay <= 0 {
		c.ObserveDelay = defaultObserveDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// stepTrace records one step outcome for Render.
type stepTrace struct {
	index     int
	status    string
	signature string
	errText   string
}

// Environment is one run's exclusive sandbox. It is not safe for
// concurrent use: steps within a run are strictly sequential because each
// depends on the ledger state the previous one produced.
type Environment struct {
	config    Config
	logger    *slog.Logger
	sandbox   *rpc.Client
	upstream  *rpc.Client
	validator *lifecycle.Validator

	mu       sync.Mutex
	testCase *benchmark.TestCase
	keypairs map[string]*txn.Keypair
	keyMap   map[string]txn.Pubkey
	feePayer string
	lastObs  *agent.Observation
	steps    []stepTrace
	closed   bool
}

// New creates an environment. With an empty SandboxURL the validator
// child process is launched lazily by the first Reset; callers must
// Close the environment on every exit path to release it.
func New(config Config) (*Environment, error) {
	config.applyDefaults()

	e := &Environment{
		config:   config,
		logger:   config.Logger,
		keypairs: make(map[string]*txn.Keypair),
		keyMap:   make(map[string]txn.Pubkey),
	}

	if config.SandboxURL == "" {
		e.validator = lifecycle.NewValidator(config.Validator, config.Logger)
		config.SandboxURL = e.validator.RPCURL()
	}

	sandbox, err := rpc.New(config.SandboxURL, rpc.WithLogger(config.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox client: %w", err)
	}
	e.sandbox = sandbox

	upstream, err := rpc.New(config.UpstreamURL,
		rpc.WithLogger(config.Logger),
		rpc.WithRateLimit(config.UpstreamRPS, defaultUpstreamBurst),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}
	e.upstream = upstream

	return e, nil
}

// SandboxURL returns the sandbox endpoint this environment drives.
func (e *Environment) SandboxURL() string {
	return e.sandbox.Endpoint()
}

// KeyMap returns the current placeholder-to-address mapping.
func (e *Environment) KeyMap() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.keyMap))
	for name, key := range e.keyMap {
		out[name] = key.String()
	}
	return out
}

// FeePayer returns the address paying fees and signing every submitted
// transaction. Zero before the first Reset.
func (e *Environment) FeePayer() txn.Pubkey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyMap[e.feePayer]
}

// Close releases the sandbox. An owned validator is terminated whatever
// state the run ended in; an attached one is left running. Close is
// idempotent and safe to defer alongside error returns.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.validator != nil {
		if err := e.validator.Stop(); err != nil {
			return fmt.Errorf("failed to stop validator: %w", err)
		}
	}
	return nil
}

// Render formats the run trace: the benchmark under test, the resolved
// key map, every step outcome, and the last observed account states.
func (e *Environment) Render() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	if e.testCase != nil {
		fmt.Fprintf(&b, "benchmark: %s\n", e.testCase.ID)
	}
	fmt.Fprintf(&b, "sandbox: %s", e.sandbox.Endpoint())
	if e.validator != nil && e.validator.Running() {
		fmt.Fprintf(&b, " (owned, pid %d)", e.validator.Pid())
	}
	b.WriteString("\n")

	if len(e.keyMap) > 0 {
		b.WriteString("key map:\n")
		for _, name := range sortedKeys(e.keyMap) {
			fmt.Fprintf(&b, "  %s = %s\n", name, e.keyMap[name])
		}
	}

	if len(e.steps) > 0 {
		b.WriteString("steps:\n")
		for _, step := range e.steps {
			fmt.Fprintf(&b, "  %d. %s", step.index, step.status)
			if step.signature != "" {
				fmt.Fprintf(&b, " signature=%s", step.signature)
			}
			if step.errText != "" {
				fmt.Fprintf(&b, " error=%s", step.errText)
			}
			b.WriteString("\n")
		}
	}

	if e.lastObs != nil && len(e.lastObs.AccountStates) > 0 {
		b.WriteString("accounts:\n")
		for _, name := range sortedStateKeys(e.lastObs.AccountStates) {
			state := e.lastObs.AccountStates[name]
			fmt.Fprintf(&b, "  %s: %d lamports, owner %s", name, state.Lamports, state.Owner)
			if state.Token != nil {
				fmt.Fprintf(&b, ", %s of mint %s", state.Token.Amount, state.Token.Mint)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// resolveKey maps a placeholder or base58 address to a pubkey. Names in
// the key map win so agents may answer with either form.
func (e *Environment) resolveKey(name string) (txn.Pubkey, error) {
	if key, ok := e.keyMap[name]; ok {
		return key, nil
	}
	key, err := txn.ParsePubkey(name)
	if err != nil {
		return txn.Pubkey{}, fmt.Errorf("account %q is neither a mapped placeholder nor a valid address: %w", name, err)
	}
	return key, nil
}

// feePayerKeypair returns the signing keypair of the fee payer.
func (e *Environment) feePayerKeypair() (*txn.Keypair, error) {
	kp, ok := e.keypairs[e.feePayer]
	if !ok {
		return nil, fmt.Errorf("fee payer keypair not found")
	}
	return kp, nil
}

// fatal wraps an infrastructure failure in the taxonomy class that aborts
// the run without a score.
func fatal(stage, message string, cause error) error {
	return &errors.EnvironmentFatalError{
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

func sortedKeys(m map[string]txn.Pubkey) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedStateKeys(m map[string]agent.AccountState) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package env

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowbench/internal/rpc"
	"github.com/tombee/flowbench/internal/txn"
	"github.com/tombee/flowbench/pkg/agent"
	flowerrors "github.com/tombee/flowbench/pkg/errors"
)

func transferInstruction(lamports uint64) agent.RawInstruction {
	return agent.RawInstruction{
		ProgramID: txn.SystemProgramID.String(),
		Accounts: []agent.RawAccountMeta{
			{Pubkey: "USER_WALLET_PUBKEY", IsSigner: true, IsWritable: true},
			{Pubkey: "RECIPIENT_WALLET_PUBKEY", IsWritable: true},
		},
		Data: systemTransferData(lamports),
	}
}

func TestStepTransferConfirms(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	obs, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	outcome, err := e.Step(ctx, []agent.RawInstruction{transferInstruction(100_000_000)})
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.True(t, outcome.Succeeded())
	assert.Contains(t, outcome.Signature, "sig-")
	assert.Empty(t, outcome.Error)
	require.NotNil(t, outcome.Observation)
	assert.Equal(t, "Success", outcome.Observation.LastTransactionStatus)

	// Simulation runs against a server-side blockhash first; only then is
	// a fresh one fetched for the signed submission.
	simAt := sandbox.firstCall("simulateTransaction")
	hashAt := sandbox.firstCall("getLatestBlockhash")
	sendAt := sandbox.firstCall("sendTransaction")
	require.GreaterOrEqual(t, simAt, 0)
	require.GreaterOrEqual(t, hashAt, 0)
	require.GreaterOrEqual(t, sendAt, 0)
	assert.Less(t, simAt, hashAt)
	assert.Less(t, hashAt, sendAt)

	// The simulated payload is unsigned.
	simRaw, err := base64.StdEncoding.DecodeString(sandbox.firstSimulated())
	require.NoError(t, err)
	assert.Equal(t, byte(1), simRaw[0])
	assert.Equal(t, make([]byte, 64), simRaw[1:65])

	// The submitted payload carries a valid signature over the message
	// and the blockhash the sandbox served.
	sentRaw, err := base64.StdEncoding.DecodeString(sandbox.lastSent())
	require.NoError(t, err)
	require.Greater(t, len(sentRaw), 65)
	assert.Equal(t, byte(1), sentRaw[0])
	sig := sentRaw[1:65]
	message := sentRaw[65:]

	payer, err := base58.Decode(obs.KeyMap["USER_WALLET_PUBKEY"])
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(payer), message, sig))

	// Header, then 3 account keys, then the recent blockhash.
	require.Greater(t, len(message), 132)
	assert.Equal(t, byte(3), message[3])
	wantHash, err := base58.Decode(sandbox.blockhash)
	require.NoError(t, err)
	assert.Equal(t, wantHash, message[100:132])
}

func TestStepSimulationFailureScored(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	sandbox.setSimFailure(
		map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 1}}},
		[]string{"Program log: insufficient funds"},
	)

	outcome, err := e.Step(ctx, []agent.RawInstruction{transferInstruction(100_000_000)})
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.Contains(t, outcome.Error, "simulation failed")
	assert.Contains(t, outcome.Logs, "Program log: insufficient funds")
	assert.Equal(t, 0, sandbox.methodCalls("sendTransaction"))
	require.NotNil(t, outcome.Observation)
	assert.Equal(t, "Failure", outcome.Observation.LastTransactionStatus)
	assert.Contains(t, outcome.Observation.LastTransactionError, "simulation failed")
}

func TestStepNoInstructions(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	outcome, err := e.Step(ctx, nil)
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.Contains(t, outcome.Error, "no instructions")
	assert.Equal(t, 0, sandbox.methodCalls("simulateTransaction"))
}

func TestStepSkipInstructionValidation(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	tc := solTransferCase()
	tc.GroundTruth.SkipInstructionValidation = true
	_, err := e.Reset(ctx, tc)
	require.NoError(t, err)

	outcome, err := e.Step(ctx, []agent.RawInstruction{transferInstruction(1)})
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	outcome, err = e.Step(ctx, nil)
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded())
	assert.Contains(t, outcome.Error, "no instructions")

	// Opaque-protocol steps never reach the chain.
	assert.Equal(t, 0, sandbox.methodCalls("simulateTransaction"))
	assert.Equal(t, 0, sandbox.methodCalls("sendTransaction"))
}

func TestStepUnresolvableAccountScored(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	raw := transferInstruction(1)
	raw.Accounts[1].Pubkey = "not a real account"

	outcome, err := e.Step(ctx, []agent.RawInstruction{raw})
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.Contains(t, outcome.Error, "instruction 1")
	assert.Contains(t, outcome.Error, "neither a mapped placeholder nor a valid address")
	assert.Equal(t, 0, sandbox.methodCalls("simulateTransaction"))
}

func TestStepMissingSignerScored(t *testing.T) {
	e, _, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	// A signer the environment holds no keypair for: simulation passes
	// (signatures are not verified there) but signing must refuse.
	stranger, err := txn.NewKeypair()
	require.NoError(t, err)
	raw := transferInstruction(1)
	raw.Accounts = append(raw.Accounts, agent.RawAccountMeta{
		Pubkey:   stranger.Pubkey().String(),
		IsSigner: true,
	})

	outcome, err := e.Step(ctx, []agent.RawInstruction{raw})
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.Contains(t, outcome.Error, "failed to sign transaction")
}

func TestStepRejectedSubmissionScored(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	sandbox.setSendError(&rpc.Error{Code: -32002, Message: "Transaction precompile verification failure"})

	outcome, err := e.Step(ctx, []agent.RawInstruction{transferInstruction(1)})
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.Contains(t, outcome.Error, "rejected")
	assert.Contains(t, outcome.Error, "precompile verification failure")
}

func TestStepChainFailureAfterSimulation(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	sandbox.setConfirmError(map[string]any{"InstructionError": []any{0, "InvalidAccountData"}})

	outcome, err := e.Step(ctx, []agent.RawInstruction{transferInstruction(1)})
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.NotEmpty(t, outcome.Signature)
	assert.Contains(t, outcome.Error, "after successful simulation")
}

func TestStepSandboxFailureFatal(t *testing.T) {
	e, sandbox, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)

	sandbox.failRequests()

	outcome, err := e.Step(ctx, []agent.RawInstruction{transferInstruction(1)})
	assert.Nil(t, outcome)
	var fatal *flowerrors.EnvironmentFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "step", fatal.Stage)
}

func TestStepCanceledContextIsNotFatal(t *testing.T) {
	e, _, _ := newTestEnv(t)

	_, err := e.Reset(context.Background(), solTransferCase())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := e.Step(ctx, []agent.RawInstruction{transferInstruction(1)})
	assert.Nil(t, outcome)
	require.ErrorIs(t, err, context.Canceled)
	var fatal *flowerrors.EnvironmentFatalError
	assert.False(t, errors.As(err, &fatal))
}

func TestStepBeforeReset(t *testing.T) {
	e, _, _ := newTestEnv(t)

	_, err := e.Step(context.Background(), []agent.RawInstruction{transferInstruction(1)})
	assert.ErrorContains(t, err, "must be reset")
}

func TestRenderTracesRun(t *testing.T) {
	e, _, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := e.Reset(ctx, solTransferCase())
	require.NoError(t, err)
	_, err = e.Step(ctx, []agent.RawInstruction{transferInstruction(100_000_000)})
	require.NoError(t, err)

	out := e.Render()
	assert.Contains(t, out, "benchmark: 001-sol-transfer")
	assert.Contains(t, out, "key map:")
	assert.Contains(t, out, "USER_WALLET_PUBKEY = ")
	assert.Contains(t, out, "1. Success")
	assert.Contains(t, out, "accounts:")
	assert.Contains(t, out, "5000000000 lamports")
}

package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowbench/internal/txn"
)

func TestSetLamports(t *testing.T) {
	client, ledger := newTestClient(t, func(method string, _ json.RawMessage) (any, *Error) {
		require.Equal(t, "surfnet_setAccount", method)
		return nil, nil
	})

	key := testPubkey(t, 1)
	require.NoError(t, client.SetLamports(context.Background(), key, 5_000_000_000))

	params := ledger.lastParams(t, "surfnet_setAccount")
	require.Len(t, params, 2)
	assert.Equal(t, key.String(), jsonString(t, params[0]))

	var fields map[string]any
	require.NoError(t, json.Unmarshal(params[1], &fields))
	assert.Equal(t, map[string]any{"lamports": float64(5_000_000_000)}, fields)
}

func TestSetAccount(t *testing.T) {
	client, ledger := newTestClient(t, func(_ string, _ json.RawMessage) (any, *Error) {
		return nil, nil
	})

	key := testPubkey(t, 2)
	account := &Account{
		Lamports:   2_039_280,
		Owner:      txn.TokenProgramID,
		Data:       []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Executable: false,
		RentEpoch:  361,
	}
	require.NoError(t, client.SetAccount(context.Background(), key, account))

	params := ledger.lastParams(t, "surfnet_setAccount")
	require.Len(t, params, 2)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(params[1], &fields))
	assert.Equal(t, float64(2_039_280), fields["lamports"])
	assert.Equal(t, txn.TokenProgramID.String(), fields["owner"])
	assert.Equal(t, hex.EncodeToString(account.Data), fields["data"])
	assert.Equal(t, float64(361), fields["rent_epoch"])
	assert.Equal(t, false, fields["executable"])
}

func TestSetTokenAccount(t *testing.T) {
	client, ledger := newTestClient(t, func(method string, _ json.RawMessage) (any, *Error) {
		require.Equal(t, "surfnet_setTokenAccount", method)
		return nil, nil
	})

	owner := testPubkey(t, 3)
	mint := testPubkey(t, 4)
	require.NoError(t, client.SetTokenAccount(context.Background(), owner, mint, 200_000_000))

	params := ledger.lastParams(t, "surfnet_setTokenAccount")
	require.Len(t, params, 4)
	assert.Equal(t, owner.String(), jsonString(t, params[0]))
	assert.Equal(t, mint.String(), jsonString(t, params[1]))

	var amount map[string]any
	require.NoError(t, json.Unmarshal(params[2], &amount))
	assert.Equal(t, map[string]any{"amount": float64(200_000_000)}, amount)
	assert.Equal(t, txn.TokenProgramID.String(), jsonString(t, params[3]))
}

func TestResetAccount(t *testing.T) {
	client, ledger := newTestClient(t, func(method string, _ json.RawMessage) (any, *Error) {
		require.Equal(t, "surfnet_resetAccount", method)
		return nil, nil
	})

	key := testPubkey(t, 5)
	require.NoError(t, client.ResetAccount(context.Background(), key))

	params := ledger.lastParams(t, "surfnet_resetAccount")
	require.Len(t, params, 1)
	assert.Equal(t, key.String(), jsonString(t, params[0]))
}

func TestTimeTravel(t *testing.T) {
	client, ledger := newTestClient(t, func(method string, _ json.RawMessage) (any, *Error) {
		require.Equal(t, "surfnet_timeTravel", method)
		return nil, nil
	})

	require.NoError(t, client.TimeTravel(context.Background(), 1_700_000_000))

	params := ledger.lastParams(t, "surfnet_timeTravel")
	require.Len(t, params, 1)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(params[0], &fields))
	assert.Equal(t, map[string]any{"unix_timestamp": float64(1_700_000_000)}, fields)
}

func TestCheatCallSurfacesRPCError(t *testing.T) {
	client, _ := newTestClient(t, func(_ string, _ json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32602, Message: "invalid params"}
	})

	err := client.SetLamports(context.Background(), testPubkey(t, 6), 1)
	require.Error(t, err)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

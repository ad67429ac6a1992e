package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPlaceholders(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   []string
	}{
		{
			name:   "two placeholders",
			prompt: "transfer 0.1 SOL from (USER_WALLET_PUBKEY) to (RECIPIENT_WALLET_PUBKEY)",
			want:   []string{"USER_WALLET_PUBKEY", "RECIPIENT_WALLET_PUBKEY"},
		},
		{
			name:   "duplicates collapse in order",
			prompt: "(A_1) then (B_2) then (A_1) again",
			want:   []string{"A_1", "B_2"},
		},
		{
			name:   "lowercase parentheticals ignored",
			prompt: "swap (all of it) via (USDC_MINT)",
			want:   []string{"USDC_MINT"},
		},
		{
			name:   "no placeholders",
			prompt: "do nothing",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPlaceholders(tt.prompt))
		})
	}
}

func TestBuildContext(t *testing.T) {
	obs := &Observation{
		AccountStates: map[string]AccountState{
			"USER_WALLET_PUBKEY": {Lamports: 5_000_000_000},
			"USER_USDC_ATA": {
				Lamports: 2_039_280,
				Token:    &TokenState{Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Amount: "250000000"},
			},
			"UNRELATED_ACCOUNT": {Lamports: 42},
		},
		KeyMap: map[string]string{
			"USER_WALLET_PUBKEY": "4ETf86tK7b4W72f27kNLJLgRWi9UfJjgH4koHGUXMFtn",
			"USER_USDC_ATA":      "7C9VBTPmhyeCN2Zkare6121cbLdLbYny2QfF7wYFW4Ss",
			"UNRELATED_ACCOUNT":  "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		},
	}

	t.Run("includes only prompt-mentioned accounts", func(t *testing.T) {
		doc, err := BuildContext("send USDC from (USER_USDC_ATA) owned by (USER_WALLET_PUBKEY)", obs)
		require.NoError(t, err)

		assert.Contains(t, doc, "CURRENT ON-CHAIN CONTEXT")
		assert.Contains(t, doc, "USER_USDC_ATA")
		assert.Contains(t, doc, "USER_WALLET_PUBKEY")
		assert.Contains(t, doc, "250000000")
		assert.NotContains(t, doc, "UNRELATED_ACCOUNT")
	})

	t.Run("no placeholders falls back to full key map", func(t *testing.T) {
		doc, err := BuildContext("consolidate my dust", obs)
		require.NoError(t, err)

		for name := range obs.KeyMap {
			assert.Contains(t, doc, name)
		}
	})

	t.Run("unmapped placeholder is omitted", func(t *testing.T) {
		doc, err := BuildContext("pay (NOBODY_KNOWS_THIS_1)", obs)
		require.NoError(t, err)
		assert.NotContains(t, doc, "NOBODY_KNOWS_THIS_1")
	})

	t.Run("nil observation yields empty maps", func(t *testing.T) {
		doc, err := BuildContext("anything", nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(doc, "---"))
		assert.Contains(t, doc, "account_states")
		assert.Contains(t, doc, "key_map")
	})
}

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTicketKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := NewTicketKey()
		normalized, err := NormalizeTicketKey(key)
		require.NoError(t, err, "generated key %q should be valid", key)
		assert.Equal(t, key, normalized)
		assert.False(t, seen[key], "generated keys should not repeat")
		seen[key] = true
	}
}

func TestNormalizeTicketKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"canonical", "TKT-00000001", "TKT-00000001", false},
		{"lowercase", "tkt-deadbeef", "TKT-DEADBEEF", false},
		{"whitespace", "  TKT-12AB34CD  ", "TKT-12AB34CD", false},
		{"too short", "TKT-123", "", true},
		{"too long", "TKT-123456789", "", true},
		{"non-hex", "TKT-GGGGGGGG", "", true},
		{"wrong prefix", "TIK-00000001", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTicketKey(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTicketKey)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNormalizeEpicKey(t *testing.T) {
	got, err := NormalizeEpicKey("ep-0a1b2c3d")
	require.NoError(t, err)
	assert.Equal(t, "EP-0A1B2C3D", got)

	_, err = NormalizeEpicKey("TKT-00000001")
	require.ErrorIs(t, err, ErrInvalidEpicKey)
}

func TestNewClaimToken(t *testing.T) {
	a := NewClaimToken()
	b := NewClaimToken()
	assert.Len(t, a, 32)
	assert.Len(t, b, 32)
	assert.NotEqual(t, a, b)
}

func TestBranchSlug(t *testing.T) {
	tests := []struct {
		name  string
		title string
		max   int
		want  string
	}{
		{"simple", "Add login page", 40, "add-login-page"},
		{"punctuation", "Fix: NPE in parser!!", 40, "fix-npe-in-parser"},
		{"unicode dropped", "Support émojis 🎉 properly", 40, "support-mojis-properly"},
		{"truncated", "a very long title that should be cut somewhere sensible", 20, "a-very-long-title-th"},
		{"empty", "!!!", 40, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchSlug(tt.title, tt.max))
		})
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "gantry/tkt-00000001-add-login-page", BranchName("TKT-00000001", "Add login page"))
	assert.Equal(t, "gantry/tkt-00000001", BranchName("TKT-00000001", "???"))
}

package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOCC(t *testing.T) {
	tests := []struct {
		name       string
		underlying string
		expiration string
		optionType string
		strike     float64
		want       string
		wantErr    bool
	}{
		{"spy put", "SPY", "2025-01-17", "put", 580, "SPY250117P00580000", false},
		{"spy call", "SPY", "2025-01-17", "call", 605.5, "SPY250117C00605500", false},
		{"fractional strike", "QQQ", "2025-06-20", "put", 394.995, "QQQ250620P00394995", false},
		{"single letter c", "IWM", "2025-03-21", "c", 220, "IWM250321C00220000", false},
		{"bad expiration", "SPY", "01/17/2025", "put", 580, "", true},
		{"bad type", "SPY", "2025-01-17", "straddle", 580, "", true},
		{"zero strike", "SPY", "2025-01-17", "put", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeOCC(tt.underlying, tt.expiration, tt.optionType, tt.strike)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOCC(t *testing.T) {
	parsed, err := ParseOCC("SPY250117P00580000")
	require.NoError(t, err)
	assert.Equal(t, "SPY", parsed.Underlying)
	assert.Equal(t, "2025-01-17", parsed.Expiration)
	assert.Equal(t, "put", parsed.OptionType)
	assert.InDelta(t, 580.0, parsed.Strike, 1e-9)

	// Longer root.
	parsed, err = ParseOCC("GOOGL250620C00180500")
	require.NoError(t, err)
	assert.Equal(t, "GOOGL", parsed.Underlying)
	assert.Equal(t, "call", parsed.OptionType)
	assert.InDelta(t, 180.5, parsed.Strike, 1e-9)

	for _, bad := range []string{"", "SPY", "SPY250117X00580000", "spy250117P00580000", "SPY250117P0058000Z"} {
		_, err := ParseOCC(bad)
		assert.Error(t, err, "symbol=%q", bad)
	}
}

func TestOCCRoundTrip(t *testing.T) {
	sym, err := EncodeOCC("SPY", "2025-02-21", "call", 612.5)
	require.NoError(t, err)

	parsed, err := ParseOCC(sym)
	require.NoError(t, err)
	assert.Equal(t, "SPY", parsed.Underlying)
	assert.Equal(t, "2025-02-21", parsed.Expiration)
	assert.Equal(t, "call", parsed.OptionType)
	assert.InDelta(t, 612.5, parsed.Strike, 1e-9)
}

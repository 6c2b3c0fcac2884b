package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in   string
		want *big.Int
	}{
		{"0.0001", big.NewInt(100_000_000_000_000)},
		{"1", big.NewInt(1_000_000_000_000_000_000)},
		{"0", big.NewInt(0)},
		{" 0.000000000000000001 ", big.NewInt(1)},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			got, err := ParseEther(test.in)
			require.NoError(t, err)
			require.Equal(t, 0, test.want.Cmp(got), "got %s", got)
		})
	}
}

func TestParseEtherRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0.0000000000000000001", "1/2", "1e3", "0x10", "+1", ".5", "1.", "1_000"} {
		_, err := ParseEther(in)
		require.Error(t, err, in)
	}
}

func TestParseEtherNegativeError(t *testing.T) {
	_, err := ParseEther("-0.5")
	require.ErrorIs(t, err, errNegative)
}

func TestFormatEther(t *testing.T) {
	require.Equal(t, "0.0001", FormatEther(big.NewInt(100_000_000_000_000)))
	require.Equal(t, "2", FormatEther(big.NewInt(2_000_000_000_000_000_000)))
	require.Equal(t, "0", FormatEther(nil))
	require.Equal(t, "0", FormatEther(big.NewInt(0)))
}

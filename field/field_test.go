package field

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddSubNegRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, Modulus - 1, Modulus / 2, 12345, 7}
	for _, a := range vals {
		for _, b := range vals {
			sum := Add(a, b)
			require.Less(t, sum, Modulus)
			require.Equal(t, a, Sub(sum, b))
			require.Equal(t, b, Sub(sum, a))
		}
	}
}

func TestNeg(t *testing.T) {
	require.Equal(t, uint64(0), Neg(0))
	for _, a := range []uint64{1, 2, Modulus - 1, Modulus / 2} {
		require.Equal(t, uint64(0), Add(a, Neg(a)))
	}
}

func TestFromUint64Reduces(t *testing.T) {
	require.Less(t, FromUint64(^uint64(0)), Modulus)
	require.Equal(t, uint64(5), FromUint64(5))
}

func TestReduceHandlesDoubleModulus(t *testing.T) {
	x := (Modulus - 1) + (Modulus - 1)
	require.Less(t, Reduce(x), Modulus)
}

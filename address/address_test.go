package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// EIP-55 reference vectors
const (
	addrA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	addrB = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	addrC = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
	addrD = "0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb"
)

func TestIsChecksummed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"vector a", addrA, true},
		{"vector b", addrB, true},
		{"vector c", addrC, true},
		{"vector d", addrD, true},
		{"all lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"one letter flipped", "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"missing prefix", "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"too short", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeA", false},
		{"not hex", "0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"empty", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, IsChecksummed(tc.input))
		})
	}
}

func TestFilterChecksummed_PreservesOrder(t *testing.T) {
	input := []string{
		addrD,
		"0xdeadbeef",
		addrA,
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		addrC,
		"",
	}

	valid, rejected := FilterChecksummed(input)

	assert.Equal(t, []string{addrD, addrA, addrC}, Strings(valid))
	assert.Equal(t, []string{"0xdeadbeef", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", ""}, rejected)
}

func TestFilterChecksummed_Empty(t *testing.T) {
	valid, rejected := FilterChecksummed(nil)
	assert.Empty(t, valid)
	assert.Empty(t, rejected)
}

func TestKeyAndChecksum(t *testing.T) {
	a, err := Parse("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	require.NoError(t, err)
	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", Key(a))

	sum, err := Checksum("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.Equal(t, addrA, sum)

	_, err = Parse("nope")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

package loader

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/ballot/crypto/curve"
)

func TestAccountGenerator_Generate(t *testing.T) {
	data, err := AccountGenerator{}.Generate()
	require.NoError(t, err)
	require.Len(t, data, 32)

	_, err = crypto.ToECDSA(data)
	require.NoError(t, err)
}

func TestScalarGenerator_Generate(t *testing.T) {
	for _, name := range curve.Names() {
		suite, err := curve.Find(name)
		require.NoError(t, err)

		data, err := ScalarGenerator{Suite: suite}.Generate()
		require.NoError(t, err)

		_, err = suite.Scalar(data)
		require.NoError(t, err)
	}

	_, err := ScalarGenerator{Suite: curve.Secp256k1(), Rand: new(bytes.Buffer)}.Generate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to generate secp256k1 scalar: ")
}

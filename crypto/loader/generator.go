package loader

import (
	"crypto/rand"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/ballot/crypto/curve"
	"golang.org/x/xerrors"
)

// AccountGenerator generates the secp256k1 key of a ledger account.
//
// - implements loader.Generator
type AccountGenerator struct{}

// Generate implements loader.Generator. It returns the 32 bytes of a new
// private key.
func (AccountGenerator) Generate() ([]byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Errorf("failed to generate account key: %v", err)
	}

	return crypto.FromECDSA(key), nil
}

// ScalarGenerator generates a private scalar of a suite, for instance the
// global key of the blind signature issuer.
//
// - implements loader.Generator
type ScalarGenerator struct {
	Suite curve.Suite

	// Rand is the source of randomness. It defaults to crypto/rand.
	Rand io.Reader
}

// Generate implements loader.Generator.
func (g ScalarGenerator) Generate() ([]byte, error) {
	rnd := g.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	k, err := g.Suite.RandomScalar(rnd)
	if err != nil {
		return nil, xerrors.Errorf("failed to generate %s scalar: %v", g.Suite.Name(), err)
	}

	return k.Bytes(), nil
}

// Package blind implements the issuer side of an elliptic-curve blind
// signature, and the requester side to blind, unblind, and verify.
//
// The signer computes ŝ = d·m̂ + k over the scalar field of the suite, where
// d is the signing key, k a single-use nonce committed as R = k·G, and m̂ the
// blinded message. It never sees the message nor the final signature, so it
// cannot link a credential to the request that produced it.
//
// Reusing a nonce with two different blinded messages under the same key
// leaks the key. The NoncePool hands out nonces that can be taken only once.
package blind

import (
	"go.dedis.ch/ballot/crypto/curve"
	"golang.org/x/xerrors"
)

// ErrInvalidInput is returned when a scalar is malformed or out of range.
var ErrInvalidInput = xerrors.New("invalid input")

// ErrConfiguration is returned when key material is missing.
var ErrConfiguration = xerrors.New("missing key material")

// Sign returns the blind signature of the blinded message under the private
// key and the nonce. All values are canonical scalar encodings of the suite.
// The function is deterministic and performs no I/O.
func Sign(suite curve.Suite, blinded, privateKey, nonce []byte) ([]byte, error) {
	if len(privateKey) == 0 {
		return nil, xerrors.Errorf("%w: no private key", ErrConfiguration)
	}

	d, err := suite.Scalar(privateKey)
	if err != nil || d.IsZero() {
		return nil, xerrors.Errorf("%w: private key is not a valid scalar", ErrConfiguration)
	}

	mHat, err := suite.Scalar(blinded)
	if err != nil {
		return nil, xerrors.Errorf("%w: blinded message: %v", ErrInvalidInput, err)
	}

	k, err := suite.Scalar(nonce)
	if err != nil {
		return nil, xerrors.Errorf("%w: nonce: %v", ErrInvalidInput, err)
	}

	if k.IsZero() {
		return nil, xerrors.Errorf("%w: nonce must not be zero", ErrInvalidInput)
	}

	return suite.MulAdd(d, mHat, k).Bytes(), nil
}

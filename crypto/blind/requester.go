package blind

import (
	"crypto/sha256"
	"io"

	"go.dedis.ch/ballot/crypto/curve"
	"golang.org/x/xerrors"
)

// Signature is an unblinded signature.
type Signature struct {
	S curve.Scalar
	F curve.Point
}

// Requester holds the blinding factors of a single request.
type Requester struct {
	suite curve.Suite
	bInv  curve.Scalar
	c     curve.Scalar
	f     curve.Point
}

// HashMessage maps an arbitrary message to a scalar.
func HashMessage(suite curve.Suite, msg []byte) curve.Scalar {
	digest := sha256.Sum256(msg)

	return suite.Reduce(digest[:])
}

// NewRequester blinds the message for the signer public key Q and the nonce
// commitment R. It returns the requester state and the blinded message to
// send to the signer.
func NewRequester(suite curve.Suite, Q, R curve.Point, m curve.Scalar,
	rand io.Reader) (*Requester, curve.Scalar, error) {

	for {
		a, err := suite.RandomScalar(rand)
		if err != nil {
			return nil, nil, xerrors.Errorf("blinding factor: %v", err)
		}

		b, err := suite.RandomScalar(rand)
		if err != nil {
			return nil, nil, xerrors.Errorf("blinding factor: %v", err)
		}

		c, err := suite.RandomScalar(rand)
		if err != nil {
			return nil, nil, xerrors.Errorf("blinding factor: %v", err)
		}

		bInv := suite.Inverse(b)

		// F = b⁻¹R + ab⁻¹Q + cG
		F := suite.PointAdd(suite.PointMul(bInv, R), suite.PointMul(suite.Mul(a, bInv), Q))
		F = suite.PointAdd(F, suite.Base(c))

		if suite.IsIdentity(F) {
			continue
		}

		r := suite.PointScalar(F)

		// m̂ = b·r·m + a
		mHat := suite.MulAdd(suite.Mul(b, r), m, a)

		req := &Requester{
			suite: suite,
			bInv:  bInv,
			c:     c,
			f:     F,
		}

		return req, mHat, nil
	}
}

// Unblind extracts the signature from the blind signature returned by the
// signer.
func (r *Requester) Unblind(sHat curve.Scalar) Signature {
	return Signature{
		S: r.suite.MulAdd(r.bInv, sHat, r.c),
		F: r.f,
	}
}

// Verify returns true if the signature of m is valid for the public key Q,
// that is s·G = F + r·m·Q with r derived from F.
func Verify(suite curve.Suite, Q curve.Point, m curve.Scalar, sig Signature) bool {
	if sig.S == nil || sig.F == nil || suite.IsIdentity(sig.F) {
		return false
	}

	r := suite.PointScalar(sig.F)

	left := suite.Base(sig.S)
	right := suite.PointAdd(sig.F, suite.PointMul(suite.Mul(r, m), Q))

	return left.Equal(right)
}

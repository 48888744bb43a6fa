package curve

import (
	"io"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/xerrors"
)

const secp256k1Name = "secp256k1"

// Secp256k1Suite is the suite of the curve used by the ledger accounts.
//
// - implements curve.Suite
type Secp256k1Suite struct{}

// Secp256k1 returns the secp256k1 suite.
func Secp256k1() Secp256k1Suite {
	return Secp256k1Suite{}
}

type secpScalar struct {
	v secp256k1.ModNScalar
}

func (s *secpScalar) Bytes() []byte {
	buf := s.v.Bytes()
	return buf[:]
}

func (s *secpScalar) Equal(o Scalar) bool {
	other, ok := o.(*secpScalar)
	return ok && s.v.Equals(&other.v)
}

func (s *secpScalar) IsZero() bool {
	return s.v.IsZero()
}

// secpPoint is kept in affine coordinates with Z = 1, or all zeros for the
// point at infinity.
type secpPoint struct {
	p secp256k1.JacobianPoint
}

func (p *secpPoint) infinity() bool {
	return (p.p.X.IsZero() && p.p.Y.IsZero()) || p.p.Z.IsZero()
}

func (p *secpPoint) Bytes() []byte {
	if p.infinity() {
		return []byte{0}
	}

	return secp256k1.NewPublicKey(&p.p.X, &p.p.Y).SerializeCompressed()
}

func (p *secpPoint) Equal(o Point) bool {
	other, ok := o.(*secpPoint)
	if !ok {
		return false
	}

	if p.infinity() || other.infinity() {
		return p.infinity() == other.infinity()
	}

	return p.p.X.Equals(&other.p.X) && p.p.Y.Equals(&other.p.Y)
}

func affine(p *secp256k1.JacobianPoint) *secpPoint {
	if (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero() {
		return &secpPoint{}
	}

	p.ToAffine()

	return &secpPoint{p: *p}
}

// Name implements curve.Suite.
func (Secp256k1Suite) Name() string {
	return secp256k1Name
}

// ScalarLen implements curve.Suite.
func (Secp256k1Suite) ScalarLen() int {
	return 32
}

// Scalar implements curve.Suite. It expects a 32-byte big-endian value lower
// than the group order.
func (Secp256k1Suite) Scalar(buf []byte) (Scalar, error) {
	if len(buf) != 32 {
		return nil, xerrors.Errorf("%w: expected 32 bytes, got %d", ErrInvalidScalar, len(buf))
	}

	s := &secpScalar{}

	overflow := s.v.SetByteSlice(buf)
	if overflow {
		return nil, xerrors.Errorf("%w: value exceeds the group order", ErrInvalidScalar)
	}

	return s, nil
}

// Reduce implements curve.Suite. Only the last 32 bytes of longer buffers
// are used.
func (Secp256k1Suite) Reduce(buf []byte) Scalar {
	s := &secpScalar{}
	s.v.SetByteSlice(buf)

	return s
}

// RandomScalar implements curve.Suite.
func (Secp256k1Suite) RandomScalar(rand io.Reader) (Scalar, error) {
	buf := make([]byte, 32)

	for {
		_, err := io.ReadFull(rand, buf)
		if err != nil {
			return nil, xerrors.Errorf("failed to read randomness: %v", err)
		}

		s := &secpScalar{}
		overflow := s.v.SetByteSlice(buf)

		if !overflow && !s.v.IsZero() {
			return s, nil
		}
	}
}

// Add implements curve.Suite.
func (Secp256k1Suite) Add(a, b Scalar) Scalar {
	r := &secpScalar{}
	r.v.Add2(&a.(*secpScalar).v, &b.(*secpScalar).v)

	return r
}

// Mul implements curve.Suite.
func (Secp256k1Suite) Mul(a, b Scalar) Scalar {
	r := &secpScalar{}
	r.v.Mul2(&a.(*secpScalar).v, &b.(*secpScalar).v)

	return r
}

// MulAdd implements curve.Suite. The field operations run in constant time.
func (Secp256k1Suite) MulAdd(a, b, c Scalar) Scalar {
	r := &secpScalar{}
	r.v.Mul2(&a.(*secpScalar).v, &b.(*secpScalar).v).Add(&c.(*secpScalar).v)

	return r
}

// Inverse implements curve.Suite.
func (Secp256k1Suite) Inverse(a Scalar) Scalar {
	r := &secpScalar{}
	r.v.InverseValNonConst(&a.(*secpScalar).v)

	return r
}

// Base implements curve.Suite.
func (Secp256k1Suite) Base(k Scalar) Point {
	var res secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k.(*secpScalar).v, &res)

	return affine(&res)
}

// Point implements curve.Suite. It accepts compressed and uncompressed SEC1
// encodings.
func (Secp256k1Suite) Point(buf []byte) (Point, error) {
	pub, err := secp256k1.ParsePubKey(buf)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidPoint, err)
	}

	p := &secpPoint{}
	pub.AsJacobian(&p.p)

	return p, nil
}

// PointMul implements curve.Suite.
func (Secp256k1Suite) PointMul(k Scalar, p Point) Point {
	var res secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&k.(*secpScalar).v, &p.(*secpPoint).p, &res)

	return affine(&res)
}

// PointAdd implements curve.Suite.
func (Secp256k1Suite) PointAdd(p, q Point) Point {
	var res secp256k1.JacobianPoint
	secp256k1.AddNonConst(&p.(*secpPoint).p, &q.(*secpPoint).p, &res)

	return affine(&res)
}

// PointScalar implements curve.Suite. It returns the affine x coordinate
// reduced modulo the group order.
func (Secp256k1Suite) PointScalar(p Point) Scalar {
	pt := p.(*secpPoint)

	s := &secpScalar{}
	s.v.SetBytes(pt.p.X.Bytes())

	return s
}

// IsIdentity implements curve.Suite.
func (Secp256k1Suite) IsIdentity(p Point) bool {
	return p.(*secpPoint).infinity()
}

// Affine returns the affine coordinates of the point, as expected by the
// ballot contract for the owner public key.
func (Secp256k1Suite) Affine(p Point) (x, y *big.Int) {
	pt := p.(*secpPoint)

	x = new(big.Int).SetBytes(pt.p.X.Bytes()[:])
	y = new(big.Int).SetBytes(pt.p.Y.Bytes()[:])

	return x, y
}

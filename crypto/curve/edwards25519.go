package curve

import (
	"bytes"
	"io"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

const ed25519Name = "ed25519"

// Ed25519Suite is the suite of the twisted Edwards curve provided by kyber.
//
// - implements curve.Suite
type Ed25519Suite struct {
	suite suites.Suite
}

// Ed25519 returns the Ed25519 suite.
func Ed25519() Ed25519Suite {
	return Ed25519Suite{suite: suites.MustFind("Ed25519")}
}

type edScalar struct {
	s kyber.Scalar
}

func (s edScalar) Bytes() []byte {
	buf, _ := s.s.MarshalBinary()
	return buf
}

func (s edScalar) Equal(o Scalar) bool {
	other, ok := o.(edScalar)
	return ok && s.s.Equal(other.s)
}

func (s edScalar) IsZero() bool {
	return s.s.Equal(s.s.Clone().Zero())
}

type edPoint struct {
	p kyber.Point
}

func (p edPoint) Bytes() []byte {
	buf, _ := p.p.MarshalBinary()
	return buf
}

func (p edPoint) Equal(o Point) bool {
	other, ok := o.(edPoint)
	return ok && p.p.Equal(other.p)
}

// Name implements curve.Suite.
func (Ed25519Suite) Name() string {
	return ed25519Name
}

// ScalarLen implements curve.Suite.
func (s Ed25519Suite) ScalarLen() int {
	return s.suite.ScalarLen()
}

// Scalar implements curve.Suite. It expects the canonical little-endian
// encoding of a value lower than the group order.
func (s Ed25519Suite) Scalar(buf []byte) (Scalar, error) {
	if len(buf) != s.suite.ScalarLen() {
		return nil, xerrors.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidScalar, s.suite.ScalarLen(), len(buf))
	}

	sc := s.suite.Scalar().SetBytes(buf)

	canonical, err := sc.MarshalBinary()
	if err != nil || !bytes.Equal(canonical, buf) {
		return nil, xerrors.Errorf("%w: value exceeds the group order", ErrInvalidScalar)
	}

	return edScalar{s: sc}, nil
}

// Reduce implements curve.Suite.
func (s Ed25519Suite) Reduce(buf []byte) Scalar {
	return edScalar{s: s.suite.Scalar().SetBytes(buf)}
}

// RandomScalar implements curve.Suite.
func (s Ed25519Suite) RandomScalar(rand io.Reader) (Scalar, error) {
	stream := random.New(rand)

	for i := 0; i < 10; i++ {
		sc := edScalar{s: s.suite.Scalar().Pick(stream)}
		if !sc.IsZero() {
			return sc, nil
		}
	}

	return nil, xerrors.New("failed to draw a non-zero scalar")
}

// Add implements curve.Suite.
func (s Ed25519Suite) Add(a, b Scalar) Scalar {
	return edScalar{s: s.suite.Scalar().Add(a.(edScalar).s, b.(edScalar).s)}
}

// Mul implements curve.Suite.
func (s Ed25519Suite) Mul(a, b Scalar) Scalar {
	return edScalar{s: s.suite.Scalar().Mul(a.(edScalar).s, b.(edScalar).s)}
}

// MulAdd implements curve.Suite.
func (s Ed25519Suite) MulAdd(a, b, c Scalar) Scalar {
	res := s.suite.Scalar().Mul(a.(edScalar).s, b.(edScalar).s)

	return edScalar{s: res.Add(res, c.(edScalar).s)}
}

// Inverse implements curve.Suite.
func (s Ed25519Suite) Inverse(a Scalar) Scalar {
	return edScalar{s: s.suite.Scalar().Inv(a.(edScalar).s)}
}

// Base implements curve.Suite.
func (s Ed25519Suite) Base(k Scalar) Point {
	return edPoint{p: s.suite.Point().Mul(k.(edScalar).s, nil)}
}

// Point implements curve.Suite.
func (s Ed25519Suite) Point(buf []byte) (Point, error) {
	p := s.suite.Point()

	err := p.UnmarshalBinary(buf)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidPoint, err)
	}

	return edPoint{p: p}, nil
}

// PointMul implements curve.Suite.
func (s Ed25519Suite) PointMul(k Scalar, p Point) Point {
	return edPoint{p: s.suite.Point().Mul(k.(edScalar).s, p.(edPoint).p)}
}

// PointAdd implements curve.Suite.
func (s Ed25519Suite) PointAdd(p, q Point) Point {
	return edPoint{p: s.suite.Point().Add(p.(edPoint).p, q.(edPoint).p)}
}

// PointScalar implements curve.Suite. The encoding of the point is hashed
// and reduced modulo the group order.
func (s Ed25519Suite) PointScalar(p Point) Scalar {
	h := s.suite.Hash()
	h.Write(p.Bytes())

	return s.Reduce(h.Sum(nil))
}

// IsIdentity implements curve.Suite.
func (s Ed25519Suite) IsIdentity(p Point) bool {
	return p.(edPoint).p.Equal(s.suite.Point().Null())
}

// Package curve defines the prime-order groups the blind signature operates
// over.
//
// The arithmetic itself is delegated to vetted libraries: secp256k1 uses the
// constant-time scalar field of dcrd, and Ed25519 uses kyber.
package curve

import (
	"io"
	"sort"

	"golang.org/x/xerrors"
)

// ErrInvalidScalar is returned when a scalar is malformed or out of the
// scalar field.
var ErrInvalidScalar = xerrors.New("invalid scalar")

// ErrInvalidPoint is returned when a point does not decode to an element of
// the group.
var ErrInvalidPoint = xerrors.New("invalid point")

// Scalar is an element of the scalar field of a suite.
type Scalar interface {
	// Bytes returns the canonical encoding of the scalar.
	Bytes() []byte

	Equal(Scalar) bool

	IsZero() bool
}

// Point is an element of the group of a suite.
type Point interface {
	// Bytes returns the canonical encoding of the point.
	Bytes() []byte

	Equal(Point) bool
}

// Suite provides the group operations. Scalars and points must only be mixed
// with values created by the same suite.
type Suite interface {
	// Name returns the registered name of the suite.
	Name() string

	// ScalarLen returns the size in bytes of an encoded scalar.
	ScalarLen() int

	// Scalar decodes a scalar. It returns ErrInvalidScalar if the buffer has
	// the wrong size or encodes a value outside of the field.
	Scalar(buf []byte) (Scalar, error)

	// Reduce interprets the buffer as an integer and reduces it modulo the
	// group order. It is meant for hash digests.
	Reduce(buf []byte) Scalar

	// RandomScalar draws a non-zero scalar from the reader.
	RandomScalar(rand io.Reader) (Scalar, error)

	// Add returns a + b.
	Add(a, b Scalar) Scalar

	// Mul returns a * b.
	Mul(a, b Scalar) Scalar

	// MulAdd returns a * b + c.
	MulAdd(a, b, c Scalar) Scalar

	// Inverse returns the multiplicative inverse of a.
	Inverse(a Scalar) Scalar

	// Base returns k * G.
	Base(k Scalar) Point

	// Point decodes a point. It returns ErrInvalidPoint on failure.
	Point(buf []byte) (Point, error)

	// PointMul returns k * p.
	PointMul(k Scalar, p Point) Point

	// PointAdd returns p + q.
	PointAdd(p, q Point) Point

	// PointScalar maps a point to a scalar in a deterministic way.
	PointScalar(p Point) Scalar

	// IsIdentity returns true for the neutral element.
	IsIdentity(p Point) bool
}

var registry = map[string]Suite{
	secp256k1Name: Secp256k1(),
	ed25519Name:   Ed25519(),
}

// Find returns the suite registered under the name.
func Find(name string) (Suite, error) {
	suite, ok := registry[name]
	if !ok {
		return nil, xerrors.Errorf("unknown suite '%s' (available: %v)", name, Names())
	}

	return suite, nil
}

// Names returns the sorted list of registered suites.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

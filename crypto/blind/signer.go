package blind

import (
	"context"

	"github.com/ethereum/go-ethereum/common/lru"
	"go.dedis.ch/ballot/core/types"
	"go.dedis.ch/ballot/crypto/curve"
	"golang.org/x/xerrors"
)

// KeyStrategy defines which key signs a blinded message.
type KeyStrategy int

const (
	// GlobalKey signs every ballot with the key of the service.
	GlobalKey KeyStrategy = iota
	// PerBallotKey signs with the private key of the ballot owner.
	PerBallotKey
)

func (s KeyStrategy) String() string {
	switch s {
	case GlobalKey:
		return "global"
	case PerBallotKey:
		return "ballot"
	default:
		return "unknown"
	}
}

// ParseStrategy returns the strategy matching the name.
func ParseStrategy(name string) (KeyStrategy, error) {
	switch name {
	case "global":
		return GlobalKey, nil
	case "ballot":
		return PerBallotKey, nil
	default:
		return 0, xerrors.Errorf("unknown key strategy '%s'", name)
	}
}

// publicKeyCacheSize is the number of ballot public keys kept by a signer.
const publicKeyCacheSize = 256

// KeyUsage tells why the key of a ballot is resolved.
type KeyUsage int

const (
	// UsageVerify resolves the key to derive the public key of the ballot.
	UsageVerify KeyUsage = iota
	// UsageSign resolves the key to sign a blinded message.
	UsageSign
)

// KeySource resolves the private key of a ballot. The source decides for
// which usage the key of a ballot in a given state is handed out.
type KeySource interface {
	BallotKey(ctx context.Context, id types.ID, usage KeyUsage) ([]byte, error)
}

// Request is a blind signature request.
type Request struct {
	// BallotID is only used by the PerBallotKey strategy.
	BallotID       types.ID
	BlindedMessage []byte
	Nonce          []byte
}

// Signer issues blind signatures with the key selected by its strategy. It is
// safe for concurrent use.
//
// The public keys are derived with a variable time multiplication on the
// secret scalar. Each one is computed once, the global key when the signer is
// created and the ballot keys on the first request, and then served from a
// cache, so that the timing of a request does not depend on the secret.
type Signer struct {
	suite     curve.Suite
	strategy  KeyStrategy
	globalKey []byte
	globalPub curve.Point
	keys      KeySource
	pubkeys   *lru.Cache[types.ID, curve.Point]
}

// SignerOption is the type of option to configure a signer.
type SignerOption func(*Signer)

// WithGlobalKey sets the key used by the GlobalKey strategy.
func WithGlobalKey(key []byte) SignerOption {
	return func(s *Signer) {
		s.globalKey = key
	}
}

// WithKeySource sets the source used by the PerBallotKey strategy.
func WithKeySource(src KeySource) SignerOption {
	return func(s *Signer) {
		s.keys = src
	}
}

// NewSigner creates a signer. It returns ErrConfiguration when the key
// material required by the strategy is missing.
func NewSigner(suite curve.Suite, strategy KeyStrategy, opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		suite:    suite,
		strategy: strategy,
		pubkeys:  lru.NewCache[types.ID, curve.Point](publicKeyCacheSize),
	}

	for _, opt := range opts {
		opt(s)
	}

	switch strategy {
	case GlobalKey:
		d, err := suite.Scalar(s.globalKey)
		if err != nil || d.IsZero() {
			return nil, xerrors.Errorf("%w: global strategy requires a valid key", ErrConfiguration)
		}

		s.globalPub = suite.Base(d)
	case PerBallotKey:
		if s.keys == nil {
			return nil, xerrors.Errorf("%w: ballot strategy requires a key source", ErrConfiguration)
		}
	default:
		return nil, xerrors.Errorf("%w: unknown strategy %d", ErrConfiguration, strategy)
	}

	return s, nil
}

// Suite returns the suite of the signer.
func (s *Signer) Suite() curve.Suite {
	return s.suite
}

// Strategy returns the key strategy of the signer.
func (s *Signer) Strategy() KeyStrategy {
	return s.strategy
}

// Sign signs the blinded message of the request.
func (s *Signer) Sign(ctx context.Context, req Request) ([]byte, error) {
	key, err := s.key(ctx, req.BallotID, UsageSign)
	if err != nil {
		return nil, err
	}

	return Sign(s.suite, req.BlindedMessage, key, req.Nonce)
}

// PublicKey returns the public key a requester needs to blind a message for
// the ballot, or to verify a signature.
func (s *Signer) PublicKey(ctx context.Context, id types.ID) (curve.Point, error) {
	if s.strategy == GlobalKey {
		return s.globalPub, nil
	}

	pub, found := s.pubkeys.Get(id)
	if found {
		return pub, nil
	}

	key, err := s.key(ctx, id, UsageVerify)
	if err != nil {
		return nil, err
	}

	d, err := s.suite.Scalar(key)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrConfiguration, err)
	}

	pub = s.suite.Base(d)
	s.pubkeys.Add(id, pub)

	return pub, nil
}

func (s *Signer) key(ctx context.Context, id types.ID, usage KeyUsage) ([]byte, error) {
	if s.strategy == GlobalKey {
		return s.globalKey, nil
	}

	key, err := s.keys.BallotKey(ctx, id, usage)
	if err != nil {
		return nil, xerrors.Errorf("failed to resolve key of ballot %s: %w", id, err)
	}

	return key, nil
}

package blind

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.dedis.ch/ballot/crypto/curve"
	"golang.org/x/xerrors"
)

// ErrUnknownNonce is returned when a commitment does not exist, was already
// used, or expired.
var ErrUnknownNonce = xerrors.New("unknown nonce")

// Commitment is the public half of a nonce: the identifier to redeem it and
// R = k·G.
type Commitment struct {
	ID string
	R  []byte
}

type pending struct {
	k       curve.Scalar
	expires time.Time
}

// NoncePool issues single-use signing nonces.
type NoncePool struct {
	sync.Mutex

	suite  curve.Suite
	rand   io.Reader
	ttl    time.Duration
	nowFn  func() time.Time
	nonces map[string]pending
}

// NewNoncePool creates a pool whose commitments expire after the duration.
func NewNoncePool(suite curve.Suite, ttl time.Duration) *NoncePool {
	return &NoncePool{
		suite:  suite,
		rand:   rand.Reader,
		ttl:    ttl,
		nowFn:  time.Now,
		nonces: make(map[string]pending),
	}
}

// Commit draws a fresh nonce and returns its commitment.
func (p *NoncePool) Commit() (Commitment, error) {
	k, err := p.suite.RandomScalar(p.rand)
	if err != nil {
		return Commitment{}, xerrors.Errorf("failed to draw nonce: %v", err)
	}

	id := xid.New().String()

	p.Lock()
	defer p.Unlock()

	p.purge()

	p.nonces[id] = pending{k: k, expires: p.nowFn().Add(p.ttl)}

	return Commitment{ID: id, R: p.suite.Base(k).Bytes()}, nil
}

// Take returns the nonce of the commitment and forgets it, so that a second
// call with the same identifier fails.
func (p *NoncePool) Take(id string) ([]byte, error) {
	p.Lock()
	defer p.Unlock()

	entry, ok := p.nonces[id]
	delete(p.nonces, id)

	if !ok || p.nowFn().After(entry.expires) {
		return nil, xerrors.Errorf("%w: %s", ErrUnknownNonce, id)
	}

	return entry.k.Bytes(), nil
}

// Len returns the number of nonces waiting to be used.
func (p *NoncePool) Len() int {
	p.Lock()
	defer p.Unlock()

	return len(p.nonces)
}

func (p *NoncePool) purge() {
	now := p.nowFn()

	for id, entry := range p.nonces {
		if now.After(entry.expires) {
			delete(p.nonces, id)
		}
	}
}

package lifecycle

import (
	"context"
	"crypto/rand"
	"io"

	"github.com/rs/zerolog"
	"go.dedis.ch/ballot"
	contract "go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/contracts/identity"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"go.dedis.ch/ballot/crypto/curve"
	"golang.org/x/xerrors"
)

// ErrExists is returned when a ballot with the same identifier is already
// stored.
var ErrExists = xerrors.New("ballot already exists")

// Registerer is the part of the ballot contract used to register ballots.
type Registerer interface {
	RegisterBallot(ctx context.Context, r contract.Registration) (bool, error)
}

// Registrar anchors new ballots on the chain.
type Registrar struct {
	store   store.BallotStore
	journal store.IntentStore
	chain   Registerer
	suite  curve.Secp256k1Suite
	rand   io.Reader
	logger zerolog.Logger
}

// NewRegistrar returns a new registrar. The journal must be the one of the
// scheduler, which commits the registrations confirmed late.
func NewRegistrar(st store.BallotStore, j store.IntentStore, c Registerer) *Registrar {
	return &Registrar{
		store:   st,
		journal: j,
		chain:   c,
		suite:  curve.Secp256k1(),
		rand:   rand.Reader,
		logger: ballot.Logger.With().Str("component", "registrar").Logger(),
	}
}

// Register generates the owner key of the ballot, saves it as PENDING and
// registers it on the chain. After the acknowledgement, the ballot is saved as
// REGISTERED. When the chain refuses it, the pending ballot is removed.
//
// If the transaction is broadcast but not confirmed in time, the pending
// ballot is kept with its key and an Unconfirmed error is returned. The
// scheduler then looks for the receipt.
func (r *Registrar) Register(ctx context.Context, b types.Ballot) (types.Ballot, error) {
	if b.ID.IsNil() {
		b.ID = types.NewID()
	}

	if b.Kind == "" {
		b.Kind = types.KindVote
	}

	b.Status = types.StatusPending
	b.Results = nil

	err := b.Validate()
	if err != nil {
		return b, xerrors.Errorf("invalid ballot: %v", err)
	}

	_, err = r.store.GetBallot(b.ID)
	if err == nil {
		return b, xerrors.Errorf("%w: %s", ErrExists, b.ID)
	}
	if !xerrors.Is(err, store.ErrNotFound) {
		return b, xerrors.Errorf("failed to read store: %v", err)
	}

	key, err := r.suite.RandomScalar(r.rand)
	if err != nil {
		return b, xerrors.Errorf("failed to generate owner key: %v", err)
	}

	x, y := r.suite.Affine(r.suite.Base(key))

	reg := contract.Registration{
		IdentityHash: identity.Hash(b.Owner),
		BallotID:     b.ID.String(),
		PublicKeyX:   x,
		PublicKeyY:   y,
		Candidates:   b.Candidates,
		Official:     b.Official,
		StartTime:    b.StartTime,
		EndTime:      b.FinishTime,
	}

	b.OwnerKey = key.Bytes()

	err = r.store.SaveBallot(b)
	if err != nil {
		return b, xerrors.Errorf("failed to save pending ballot %s: %v", b.ID, err)
	}

	ok, err := r.chain.RegisterBallot(ctx, reg)

	var unconfirmed *contract.Unconfirmed
	if xerrors.As(err, &unconfirmed) {
		r.remember(store.Intent{
			BallotID: b.ID,
			Target:   types.StatusRegistered,
			Hash:     unconfirmed.Hash,
		})

		r.logger.Info().
			Stringer("ballot", b.ID).
			Stringer("hash", unconfirmed.Hash).
			Msg("registration waiting for receipt")

		return b, xerrors.Errorf("failed to register ballot %s: %w", b.ID, err)
	}

	if err != nil {
		r.drop(b.ID)
		return b, xerrors.Errorf("failed to register ballot %s: %w", b.ID, err)
	}

	if !ok {
		r.drop(b.ID)
		return b, xerrors.Errorf("failed to register ballot %s: %w", b.ID,
			&contract.ChainRejected{BallotID: b.ID.String(), Reason: "registration refused"})
	}

	err = b.Advance(types.StatusRegistered)
	if err != nil {
		return b, err
	}

	err = r.store.SaveBallot(b)
	if err != nil {
		// The ballot exists on the chain: the scheduler commits it later.
		r.remember(store.Intent{BallotID: b.ID, Target: types.StatusRegistered})

		b.Status = types.StatusPending

		return b, xerrors.Errorf("failed to save registered ballot %s: %v", b.ID, err)
	}

	r.logger.Info().
		Stringer("ballot", b.ID).
		Str("kind", string(b.Kind)).
		Int("candidates", len(b.Candidates)).
		Msg("ballot registered")

	return b, nil
}

func (r *Registrar) remember(intent store.Intent) {
	err := r.journal.SaveIntent(intent)
	if err != nil {
		r.logger.Error().Err(err).Stringer("ballot", intent.BallotID).Msg("intent not persisted")
	}
}

// drop removes the pending ballot of a failed registration.
func (r *Registrar) drop(id types.ID) {
	err := r.store.DeleteBallot(id)
	if err != nil {
		r.logger.Warn().Err(err).Stringer("ballot", id).Msg("pending ballot not deleted")
	}
}

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	contract "go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/contracts/identity"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"go.dedis.ch/ballot/crypto/curve"
	"go.dedis.ch/ballot/internal/testing/fake"
	"golang.org/x/xerrors"
)

func TestRegistrar_Register(t *testing.T) {
	st := fake.NewBallotStore()
	reg := newFakeRegisterer()

	r := NewRegistrar(st, fake.NewIntentStore(), reg)

	b, err := r.Register(context.Background(), makeBallot("", epoch, epoch.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, types.StatusRegistered, b.Status)
	require.Len(t, b.OwnerKey, 32)

	stored, err := st.GetBallot(b.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusRegistered, stored.Status)

	// The key is stored before the chain is called.
	pending := st.Saves.Get(0, 0).(types.Ballot)
	require.Equal(t, types.StatusPending, pending.Status)
	require.Equal(t, stored.OwnerKey, pending.OwnerKey)

	sent := reg.calls[0]
	require.Equal(t, b.ID.String(), sent.BallotID)
	require.Equal(t, identity.Hash("alice"), sent.IdentityHash)
	require.Equal(t, epoch.Add(time.Hour), sent.EndTime)

	// The public key sent to the chain is the one of the stored owner key.
	suite := curve.Secp256k1()
	key, err := suite.Scalar(stored.OwnerKey)
	require.NoError(t, err)

	x, y := suite.Affine(suite.Base(key))
	require.Equal(t, x, sent.PublicKeyX)
	require.Equal(t, y, sent.PublicKeyY)
}

func TestRegistrar_Duplicate(t *testing.T) {
	st := fake.NewBallotStore()
	reg := newFakeRegisterer()

	b := makeBallot("", epoch, epoch.Add(time.Hour))

	// The identifier is already known by the chain.
	reg.known[b.ID.String()] = true

	r := NewRegistrar(st, fake.NewIntentStore(), reg)

	_, err := r.Register(context.Background(), b)
	require.True(t, xerrors.Is(err, &contract.ChainRejected{}))
	require.Equal(t, 0, st.Len())

	// Only the pending ballot is saved, then removed.
	require.Equal(t, 1, st.Saves.Len())
	require.Equal(t, types.StatusPending, st.Saves.Get(0, 0).(types.Ballot).Status)
}

func TestRegistrar_AlreadyStored(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch, epoch.Add(time.Hour))

	reg := newFakeRegisterer()
	r := NewRegistrar(fake.NewBallotStore(b), fake.NewIntentStore(), reg)

	_, err := r.Register(context.Background(), b)
	require.True(t, xerrors.Is(err, ErrExists))
	require.Len(t, reg.calls, 0)
}

func TestRegistrar_Refused(t *testing.T) {
	st := fake.NewBallotStore()
	reg := newFakeRegisterer()
	reg.refuse = true

	r := NewRegistrar(st, fake.NewIntentStore(), reg)

	_, err := r.Register(context.Background(), makeBallot("", epoch, epoch.Add(time.Hour)))

	var rejected *contract.ChainRejected
	require.True(t, xerrors.As(err, &rejected))
	require.Equal(t, "registration refused", rejected.Reason)
	require.Equal(t, 0, st.Len())
}

func TestRegistrar_Failures(t *testing.T) {
	reg := newFakeRegisterer()

	r := NewRegistrar(fake.NewBallotStore(), fake.NewIntentStore(), reg)

	_, err := r.Register(context.Background(), makeBallot("", epoch, epoch))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid ballot: finish time")

	r = NewRegistrar(fake.NewBadBallotStore(), fake.NewIntentStore(), reg)
	_, err = r.Register(context.Background(), makeBallot("", epoch, epoch.Add(time.Hour)))
	require.EqualError(t, err, fake.Err("failed to read store"))

	st := fake.NewBallotStore()
	st.ErrSave = fake.GetError()

	r = NewRegistrar(st, fake.NewIntentStore(), reg)
	b, err := r.Register(context.Background(), makeBallot("", epoch, epoch.Add(time.Hour)))
	require.EqualError(t, err, fake.Err("failed to save pending ballot "+b.ID.String()))
	require.Len(t, reg.calls, 0)

	reg.err = fake.GetError()
	st = fake.NewBallotStore()
	r = NewRegistrar(st, fake.NewIntentStore(), reg)
	b, err = r.Register(context.Background(), makeBallot("", epoch, epoch.Add(time.Hour)))
	require.EqualError(t, err, fake.Err("failed to register ballot "+b.ID.String()))
	require.Equal(t, 0, st.Len())
}

func TestRegistrar_SaveRegisteredFailure(t *testing.T) {
	st := fake.NewBallotStore()
	journal := fake.NewIntentStore()
	reg := newFakeRegisterer()

	r := NewRegistrar(st, journal, reg)

	// The pending save succeeds, the registered one fails.
	r.store = &failSecondSave{BallotStore: st}

	b, err := r.Register(context.Background(), makeBallot("", epoch.Add(time.Hour), epoch.Add(2*time.Hour)))
	require.EqualError(t, err, fake.Err("failed to save registered ballot "+b.ID.String()))
	require.Equal(t, types.StatusPending, b.Status)
	requireStatus(t, st, b.ID, types.StatusPending)

	intent, found := journal.Get(b.ID)
	require.True(t, found)
	require.True(t, intent.Acknowledged())
	require.Equal(t, types.StatusRegistered, intent.Target)

	// The scheduler commits the registration without calling the chain.
	chain := newFakeChain()
	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)), WithJournal(journal))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusRegistered)
	require.Len(t, reg.calls, 1)

	_, found = journal.Get(b.ID)
	require.False(t, found)
}

func TestRegistrar_Unconfirmed(t *testing.T) {
	st := fake.NewBallotStore()
	journal := fake.NewIntentStore()
	reg := newFakeRegisterer()
	reg.hash = common.HexToHash("0xaa")

	r := NewRegistrar(st, journal, reg)

	b, err := r.Register(context.Background(), makeBallot("", epoch.Add(time.Hour), epoch.Add(2*time.Hour)))
	require.True(t, xerrors.Is(err, &contract.Unconfirmed{}))
	require.Equal(t, types.StatusPending, b.Status)

	// The owner key is kept with the pending ballot.
	stored, err := st.GetBallot(b.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, stored.Status)
	require.Len(t, stored.OwnerKey, 32)

	intent, found := journal.Get(b.ID)
	require.True(t, found)
	require.Equal(t, store.Intent{BallotID: b.ID, Target: types.StatusRegistered, Hash: reg.hash}, intent)

	// A scheduler sharing the journal advances the ballot once mined.
	chain := newFakeChain()
	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)), WithJournal(journal))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
	requireStatus(t, st, b.ID, types.StatusPending)

	chain.Lock()
	chain.mined[reg.hash] = true
	chain.Unlock()

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Confirmed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusRegistered)

	registered, err := st.GetBallot(b.ID)
	require.NoError(t, err)
	require.Equal(t, stored.OwnerKey, registered.OwnerKey)
}

func TestRegistrar_UnconfirmedRejected(t *testing.T) {
	st := fake.NewBallotStore()
	journal := fake.NewIntentStore()
	reg := newFakeRegisterer()
	reg.hash = common.HexToHash("0xbb")

	r := NewRegistrar(st, journal, reg)

	b, err := r.Register(context.Background(), makeBallot("", epoch.Add(time.Hour), epoch.Add(2*time.Hour)))
	require.True(t, xerrors.Is(err, &contract.Unconfirmed{}))

	chain := newFakeChain()
	chain.failReceipts = true

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)), WithJournal(journal))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Failed: 1}, report)

	// The failed registration does not leave a pending ballot behind.
	_, err = st.GetBallot(b.ID)
	require.True(t, xerrors.Is(err, store.ErrNotFound))

	_, found := journal.Get(b.ID)
	require.False(t, found)
}

// -----------------------------------------------------------------------------
// Utility functions

type fakeRegisterer struct {
	sync.Mutex

	calls  []contract.Registration
	known  map[string]bool
	refuse bool
	err    error
	hash   common.Hash
}

func newFakeRegisterer() *fakeRegisterer {
	return &fakeRegisterer{known: make(map[string]bool)}
}

func (r *fakeRegisterer) RegisterBallot(ctx context.Context, reg contract.Registration) (bool, error) {
	r.Lock()
	defer r.Unlock()

	if r.err != nil {
		return false, r.err
	}

	if r.known[reg.BallotID] {
		return false, &contract.ChainRejected{BallotID: reg.BallotID, Reason: "ballot already registered"}
	}

	r.calls = append(r.calls, reg)

	if r.refuse {
		return false, nil
	}

	r.known[reg.BallotID] = true

	if r.hash != (common.Hash{}) {
		return false, &contract.Unconfirmed{BallotID: reg.BallotID, Hash: r.hash}
	}

	return true, nil
}

// failSecondSave is a ballot store failing every save after the first one.
type failSecondSave struct {
	*fake.BallotStore

	saves int
}

func (s *failSecondSave) SaveBallot(b types.Ballot) error {
	s.saves++
	if s.saves > 1 {
		return fake.GetError()
	}

	return s.BallotStore.SaveBallot(b)
}

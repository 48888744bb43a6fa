package lifecycle

import (
	"context"
	"math/big"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	contract "go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/store/kv"
	"go.dedis.ch/ballot/core/types"
	"go.dedis.ch/ballot/internal/testing/fake"
	"golang.org/x/xerrors"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestScheduler_CloseBoundary(t *testing.T) {
	due := makeBallot(types.StatusOpen, epoch.Add(-time.Hour), epoch)
	early := makeBallot(types.StatusOpen, epoch.Add(-time.Hour), epoch.Add(time.Millisecond))

	st := fake.NewBallotStore(due, early)
	chain := newFakeChain()

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)

	requireStatus(t, st, due.ID, types.StatusFinished)
	requireStatus(t, st, early.ID, types.StatusOpen)
	require.Equal(t, []string{due.ID.String()}, chain.closed())
}

func TestScheduler_OpenBoundary(t *testing.T) {
	due := makeBallot(types.StatusRegistered, epoch, epoch.Add(time.Hour))
	early := makeBallot(types.StatusRegistered, epoch.Add(time.Millisecond), epoch.Add(time.Hour))

	st := fake.NewBallotStore(due, early)

	s := NewScheduler(st, newFakeChain(), WithClock(fake.NewClock(epoch)))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Opened)

	requireStatus(t, st, due.ID, types.StatusOpen)
	requireStatus(t, st, early.ID, types.StatusRegistered)
}

func TestScheduler_OpenThenClose(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch)

	st := fake.NewBallotStore(b)
	chain := newFakeChain()

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Opened: 1}, report)
	requireStatus(t, st, b.ID, types.StatusOpen)

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Closed)
	requireStatus(t, st, b.ID, types.StatusFinished)

	require.Equal(t, []string{b.ID.String()}, chain.opened())
	require.Equal(t, []string{b.ID.String()}, chain.closed())
}

func TestScheduler_RejectedLeavesStatus(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))

	st := fake.NewBallotStore(b)
	chain := newFakeChain()
	chain.reject[b.ID.String()] = true

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Failed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusRegistered)
	require.Equal(t, 0, st.Saves.Len())

	// The ballot is tried again by the next run.
	chain.setReject(b.ID.String(), false)

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Opened)
	requireStatus(t, st, b.ID, types.StatusOpen)
}

func TestScheduler_BatchIsolation(t *testing.T) {
	failing := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))
	healthy := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))
	closing := makeBallot(types.StatusOpen, epoch.Add(-time.Hour), epoch.Add(-time.Second))

	st := fake.NewBallotStore(failing, healthy, closing)
	chain := newFakeChain()
	chain.reject[failing.ID.String()] = true
	chain.reject[closing.ID.String()] = true

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)), WithWorkers(2))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Opened: 1, Failed: 2}, report)

	requireStatus(t, st, failing.ID, types.StatusRegistered)
	requireStatus(t, st, healthy.ID, types.StatusOpen)
	requireStatus(t, st, closing.ID, types.StatusOpen)
}

func TestScheduler_DeferredCommit(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))

	st := fake.NewBallotStore(b)
	st.FailSaves = 2
	chain := newFakeChain()

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)), WithSaveAttempts(2))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Failed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusRegistered)
	require.Len(t, s.pending, 1)

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusOpen)
	require.Len(t, s.pending, 0)

	// The chain acknowledged the opening once, it must not be called again.
	require.Len(t, chain.opened(), 1)
}

func TestScheduler_Unconfirmed(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))

	st := fake.NewBallotStore(b)
	chain := newFakeChain()
	chain.unconfirmed = true

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Failed: 1}, report)
	require.Len(t, s.inflight, 1)

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
	requireStatus(t, st, b.ID, types.StatusRegistered)
	require.Len(t, chain.opened(), 1)

	chain.mine()

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Confirmed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusOpen)
	require.Len(t, s.inflight, 0)
}

func TestScheduler_UnconfirmedRejected(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))

	st := fake.NewBallotStore(b)
	chain := newFakeChain()
	chain.unconfirmed = true

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)))

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	chain.Lock()
	chain.unconfirmed = false
	chain.failReceipts = true
	chain.Unlock()

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	// The failed transaction is forgotten and the ballot opened again.
	require.Equal(t, Report{Opened: 1, Failed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusOpen)
}

func TestScheduler_RestartWithInflight(t *testing.T) {
	db, err := kv.New(filepath.Join(t.TempDir(), "ballots.db"))
	require.NoError(t, err)

	defer db.Close()

	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))
	require.NoError(t, db.SaveBallot(b))

	chain := newFakeChain()
	chain.unconfirmed = true

	s := NewScheduler(db, chain, WithClock(fake.NewClock(epoch)), WithJournal(db))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Failed: 1}, report)

	// A new scheduler on the same database waits for the same receipt.
	s = NewScheduler(db, chain, WithClock(fake.NewClock(epoch)), WithJournal(db))

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
	require.Len(t, chain.opened(), 1)
	requireStatus(t, db, b.ID, types.StatusRegistered)

	chain.mine()

	s = NewScheduler(db, chain, WithClock(fake.NewClock(epoch)), WithJournal(db))

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Confirmed: 1}, report)
	require.Len(t, chain.opened(), 1)
	requireStatus(t, db, b.ID, types.StatusOpen)

	intents, err := db.Intents()
	require.NoError(t, err)
	require.Empty(t, intents)
}

func TestScheduler_RestartWithDeferredCommit(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))

	st := fake.NewBallotStore(b)
	st.FailSaves = 1
	journal := fake.NewIntentStore()
	chain := newFakeChain()

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)),
		WithSaveAttempts(1), WithJournal(journal))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Failed: 1}, report)

	intent, found := journal.Get(b.ID)
	require.True(t, found)
	require.Equal(t, store.Intent{BallotID: b.ID, Target: types.StatusOpen}, intent)

	s = NewScheduler(st, chain, WithClock(fake.NewClock(epoch)), WithJournal(journal))

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Committed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusOpen)
	require.Len(t, chain.opened(), 1)

	_, found = journal.Get(b.ID)
	require.False(t, found)
}

func TestScheduler_JournalFailures(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Hour))

	st := fake.NewBallotStore(b)
	journal := fake.NewIntentStore()
	journal.ErrList = fake.GetError()

	chain := newFakeChain()
	chain.unconfirmed = true

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)), WithJournal(journal))

	// Nothing is sent to the chain while the journal is unknown.
	_, err := s.Run(context.Background())
	require.EqualError(t, err, fake.Err("failed to load intents"))
	require.Empty(t, chain.opened())

	journal.ErrList = nil
	journal.ErrSave = fake.GetError()
	journal.ErrDelete = fake.GetError()

	// The transaction is still tracked in memory.
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Failed: 1}, report)
	require.Len(t, s.inflight, 1)

	chain.mine()

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Confirmed: 1}, report)
	requireStatus(t, st, b.ID, types.StatusOpen)
	require.Len(t, chain.opened(), 1)
}

func TestScheduler_StaleIntents(t *testing.T) {
	b := makeBallot(types.StatusOpen, epoch.Add(-time.Second), epoch.Add(time.Hour))

	st := fake.NewBallotStore(b)
	journal := fake.NewIntentStore(
		// Already committed before the journal entry was removed.
		store.Intent{BallotID: b.ID, Target: types.StatusOpen},
		// The ballot does not exist anymore.
		store.Intent{BallotID: types.NewID(), Target: types.StatusFinished},
	)

	s := NewScheduler(st, newFakeChain(), WithClock(fake.NewClock(epoch)), WithJournal(journal))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{}, report)

	intents, err := journal.Intents()
	require.NoError(t, err)
	require.Empty(t, intents)
	require.Len(t, s.pending, 0)
}

// TestScheduler_NeverRegresses drives a few ballots with a chain that
// randomly refuses, delays or fails transactions, with a flaky store and
// restarts of the scheduler. A stored status must never move backward and
// every ballot ends up finished once the failures stop.
func TestScheduler_NeverRegresses(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rnd := rand.New(rand.NewSource(seed))

		var ballots []types.Ballot
		for i := 0; i < 6; i++ {
			start := epoch.Add(time.Duration(rnd.Intn(10)) * time.Minute)
			finish := start.Add(time.Duration(1+rnd.Intn(10)) * time.Minute)

			ballots = append(ballots, makeBallot(types.StatusRegistered, start, finish))
		}

		st := fake.NewBallotStore(ballots...)
		journal := fake.NewIntentStore()
		clock := fake.NewClock(epoch)

		chain := newFakeChain()
		chain.rnd = rand.New(rand.NewSource(seed))

		newScheduler := func() *Scheduler {
			return NewScheduler(st, chain, WithClock(clock), WithJournal(journal),
				WithWorkers(3), WithSaveAttempts(1))
		}

		s := newScheduler()
		last := statuses(t, st, ballots)

		for step := 0; step < 40; step++ {
			clock.Advance(time.Duration(rnd.Intn(180)) * time.Second)

			st.Lock()
			st.FailSaves = rnd.Intn(2)
			st.Unlock()

			if rnd.Intn(4) == 0 {
				s = newScheduler()
			}

			_, err := s.Run(context.Background())
			require.NoError(t, err)

			current := statuses(t, st, ballots)
			for id, status := range current {
				require.GreaterOrEqual(t, rank(status), rank(last[id]),
					"seed %d: ballot %s went from %s to %s", seed, id, last[id], status)
			}

			last = current
		}

		chain.Lock()
		chain.rnd = nil
		chain.Unlock()

		st.Lock()
		st.FailSaves = 0
		st.Unlock()

		clock.Advance(time.Hour)
		chain.mine()

		for i := 0; i < 3; i++ {
			_, err := s.Run(context.Background())
			require.NoError(t, err)
		}

		for id, status := range statuses(t, st, ballots) {
			require.Equal(t, types.StatusFinished, status, "seed %d: ballot %s", seed, id)
		}
	}
}

func TestScheduler_Results(t *testing.T) {
	b := makeBallot(types.StatusOpen, epoch.Add(-time.Hour), epoch.Add(-time.Second))
	b.Participants = 5

	st := fake.NewBallotStore(b)
	chain := newFakeChain()

	s := NewScheduler(st, chain, WithClock(fake.NewClock(epoch)))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Closed: 1, Tallied: 1}, report)

	stored, err := st.GetBallot(b.ID)
	require.NoError(t, err)
	require.Len(t, stored.Results, 2)
	require.Equal(t, b.Participants, stored.Results[0]+stored.Results[1])

	// Tallied ballots are not fetched again.
	report, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
}

func TestScheduler_StoreFailure(t *testing.T) {
	s := NewScheduler(fake.NewBadBallotStore(), newFakeChain())

	_, err := s.Run(context.Background())
	require.EqualError(t, err, fake.Err("failed to list open ballots"))
}

func TestScheduler_Busy(t *testing.T) {
	s := NewScheduler(fake.NewBallotStore(), newFakeChain())
	s.running = 1

	_, err := s.Run(context.Background())
	require.Equal(t, ErrBusy, err)
}

func TestScheduler_StartStop(t *testing.T) {
	b := makeBallot(types.StatusRegistered, epoch.Add(-time.Second), epoch.Add(time.Minute))

	st := fake.NewBallotStore(b)
	chain := newFakeChain()
	clock := fake.NewClock(epoch)

	s := NewScheduler(st, chain, WithClock(clock), WithInterval(time.Minute))

	s.Start()

	require.Eventually(t, func() bool {
		got, err := st.GetBallot(b.ID)
		return err == nil && got.Status == types.StatusOpen
	}, time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	clock.Tick()

	require.Eventually(t, func() bool {
		got, err := st.GetBallot(b.ID)
		return err == nil && got.Status == types.StatusFinished
	}, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(nil, nil, WithWorkers(0), WithSaveAttempts(-1))
	require.Equal(t, 1, s.workers)
	require.Equal(t, 1, s.saveAttempts)
	require.Equal(t, defaultInterval, s.interval)
}

// -----------------------------------------------------------------------------
// Utility functions

func makeBallot(status types.Status, start, finish time.Time) types.Ballot {
	return types.Ballot{
		ID:         types.NewID(),
		Kind:       types.KindVote,
		Title:      "ballot",
		Owner:      "alice",
		StartTime:  start,
		FinishTime: finish,
		Status:     status,
		Candidates: []string{"yes", "no"},
	}
}

func requireStatus(t *testing.T, st store.BallotStore, id types.ID, status types.Status) {
	b, err := st.GetBallot(id)
	require.NoError(t, err)
	require.Equal(t, status, b.Status)
}

func statuses(t *testing.T, st store.BallotStore, ballots []types.Ballot) map[types.ID]types.Status {
	res := make(map[types.ID]types.Status, len(ballots))

	for _, b := range ballots {
		stored, err := st.GetBallot(b.ID)
		require.NoError(t, err)

		res[b.ID] = stored.Status
	}

	return res
}

func rank(status types.Status) int {
	order := []types.Status{
		types.StatusPending,
		types.StatusRegistered,
		types.StatusOpen,
		types.StatusFinished,
	}

	for i, s := range order {
		if s == status {
			return i
		}
	}

	return -1
}

type fakeChain struct {
	sync.Mutex

	opens  []string
	closes []string
	totals map[string]uint64

	reject       map[string]bool
	unconfirmed  bool
	failReceipts bool
	mined        map[common.Hash]bool
	hashes       int

	// rnd, when set, picks the outcome of every call.
	rnd *rand.Rand
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		reject: make(map[string]bool),
		mined:  make(map[common.Hash]bool),
		totals: make(map[string]uint64),
	}
}

func (c *fakeChain) setReject(id string, v bool) {
	c.Lock()
	c.reject[id] = v
	c.Unlock()
}

func (c *fakeChain) opened() []string {
	c.Lock()
	defer c.Unlock()

	return append([]string{}, c.opens...)
}

func (c *fakeChain) closed() []string {
	c.Lock()
	defer c.Unlock()

	return append([]string{}, c.closes...)
}

func (c *fakeChain) mine() {
	c.Lock()
	for hash := range c.mined {
		c.mined[hash] = true
	}
	c.Unlock()
}

func (c *fakeChain) call(id string) error {
	if c.reject[id] {
		return &contract.ChainRejected{BallotID: id}
	}

	unconfirmed := c.unconfirmed

	if c.rnd != nil {
		switch c.rnd.Intn(3) {
		case 0:
			return &contract.ChainRejected{BallotID: id}
		case 1:
			unconfirmed = true
		}
	}

	if unconfirmed {
		c.hashes++
		hash := common.BigToHash(big.NewInt(int64(c.hashes)))

		c.mined[hash] = false

		return &contract.Unconfirmed{BallotID: id, Hash: hash}
	}

	return nil
}

func (c *fakeChain) Open(ctx context.Context, id string) error {
	c.Lock()
	defer c.Unlock()

	c.opens = append(c.opens, id)

	return c.call(id)
}

func (c *fakeChain) Close(ctx context.Context, id string, total uint64) error {
	c.Lock()
	defer c.Unlock()

	c.closes = append(c.closes, id)

	err := c.call(id)
	if err == nil {
		c.totals[id] = total
	}

	return err
}

func (c *fakeChain) ResultOf(ctx context.Context, id string) ([]uint64, error) {
	c.Lock()
	defer c.Unlock()

	if c.reject[id] {
		return nil, xerrors.New("unknown ballot")
	}

	total := c.totals[id]

	// The turnout is split in favour of the first candidate.
	return []uint64{total - total/2, total / 2}, nil
}

func (c *fakeChain) Lookup(ctx context.Context, id string, hash common.Hash) (bool, error) {
	c.Lock()
	defer c.Unlock()

	if c.failReceipts {
		return false, &contract.ChainRejected{BallotID: id, Reason: "transaction failed"}
	}

	if c.rnd != nil {
		switch c.rnd.Intn(4) {
		case 0:
			return false, &contract.ChainRejected{BallotID: id, Reason: "transaction failed"}
		case 1:
			c.mined[hash] = true
		}
	}

	return c.mined[hash], nil
}

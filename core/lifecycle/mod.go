// Package lifecycle drives the ballots through their states.
//
// A ballot only changes its local status after the chain acknowledged the
// transition. The scheduler periodically looks for ballots whose start or
// finish time is reached, calls the contract, and commits the new status in
// the store on success. A failed call leaves the ballot untouched so that the
// next run tries again.
//
// The evaluation order of a run is fixed:
//
//	0. local commits pending from a previous run
//	1. transactions broadcast but not confirmed yet
//	2. the close phase
//	3. the open phase
//	4. the result phase
//
// The list of ballots to close is fetched before the open phase, so that a
// ballot whose start and finish times are both reached is opened by a run and
// closed by the next one.
//
// The transitions of steps 0 and 1 are written in a journal. A scheduler
// started on the same journal resumes them instead of calling the chain again.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/ballot"
	contract "go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"go.dedis.ch/ballot/internal/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	defaultInterval     = 10 * time.Second
	defaultWorkers      = 4
	defaultSaveAttempts = 3
)

// ErrBusy is returned by a run when another one is in progress.
var ErrBusy = xerrors.New("a run is already in progress")

var (
	promRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ballot_scheduler_runs_total",
		Help: "number of scheduler runs",
	})

	promTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ballot_scheduler_transitions_total",
		Help: "number of ballots moved to a status",
	}, []string{"status"})

	promFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ballot_scheduler_failures_total",
		Help: "number of failed ballot transitions by phase",
	}, []string{"phase"})

	promPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ballot_scheduler_pending",
		Help: "number of ballots waiting for a local commit or a receipt",
	})
)

func init() {
	ballot.PromCollectors = append(ballot.PromCollectors, promRuns,
		promTransitions, promFailures, promPending)
}

// Chain is the part of the ballot contract used by the scheduler.
type Chain interface {
	Open(ctx context.Context, id string) error

	Close(ctx context.Context, id string, total uint64) error

	ResultOf(ctx context.Context, id string) ([]uint64, error)

	Lookup(ctx context.Context, id string, hash common.Hash) (bool, error)
}

// Report summarizes a run.
type Report struct {
	Committed int
	Confirmed int
	Closed    int
	Opened    int
	Tallied   int
	Failed    int
}

type inflight struct {
	target types.Status
	hash   common.Hash
}

func newInflight(i store.Intent) inflight {
	return inflight{target: i.Target, hash: i.Hash}
}

// Scheduler is the periodic driver of the ballot lifecycle.
type Scheduler struct {
	sync.Mutex

	store   store.BallotStore
	journal store.IntentStore
	chain   Chain
	clock  clock.Clock
	logger zerolog.Logger

	interval     time.Duration
	workers      int
	saveAttempts int

	running int32

	// pending holds the status acknowledged by the chain for ballots whose
	// local save failed.
	pending map[types.ID]types.Status
	// inflight holds the transactions broadcast but not confirmed.
	inflight map[types.ID]inflight

	cancel context.CancelFunc
	done   chan struct{}
}

// Option is the type of option to set some fields of a scheduler.
type Option func(*Scheduler)

// WithJournal sets the journal where the transitions waiting for a local
// commit or a receipt are persisted. By default they are only kept in memory.
func WithJournal(j store.IntentStore) Option {
	return func(s *Scheduler) {
		s.journal = j
	}
}

// WithClock sets the clock of the scheduler.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithInterval sets the duration between two runs.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithWorkers sets the number of ballots processed concurrently.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		s.workers = n
	}
}

// WithSaveAttempts sets the number of times a local commit is tried during a
// run before it is deferred to the next one.
func WithSaveAttempts(n int) Option {
	return func(s *Scheduler) {
		s.saveAttempts = n
	}
}

// NewScheduler returns a new scheduler.
func NewScheduler(st store.BallotStore, c Chain, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		journal:      nopJournal{},
		chain:        c,
		clock:        clock.System(),
		logger:       ballot.Logger.With().Str("component", "scheduler").Logger(),
		interval:     defaultInterval,
		workers:      defaultWorkers,
		saveAttempts: defaultSaveAttempts,
		pending:      make(map[types.ID]types.Status),
		inflight:     make(map[types.ID]inflight),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.workers <= 0 {
		s.workers = 1
	}

	if s.saveAttempts <= 0 {
		s.saveAttempts = 1
	}

	return s
}

// Start runs the scheduler in the background, once immediately and then at
// every interval.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)

	go func() {
		defer close(s.done)
		defer ticker.Stop()

		s.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				s.tick(ctx)
			}
		}
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
}

// Stop stops the scheduler and waits for the current run to end.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done

	s.cancel = nil

	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.Run(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("run failed")
		return
	}

	s.logger.Debug().
		Int("committed", report.Committed).
		Int("confirmed", report.Confirmed).
		Int("closed", report.Closed).
		Int("opened", report.Opened).
		Int("tallied", report.Tallied).
		Int("failed", report.Failed).
		Msg("run done")
}

// Run executes a single pass over the ballots. It returns ErrBusy if another
// pass is running. A failure on a ballot does not stop the others and is
// counted in the report. An error is returned when a list of ballots could
// not be fetched.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return Report{}, ErrBusy
	}

	defer atomic.StoreInt32(&s.running, 0)

	promRuns.Inc()

	err := s.restore()
	if err != nil {
		return Report{}, xerrors.Errorf("failed to load intents: %v", err)
	}

	r := &run{Scheduler: s, now: s.clock.Now()}

	r.commitPending(ctx)
	r.checkInflight(ctx)

	closing, err := s.due(types.StatusOpen, r.now)
	if err != nil {
		return r.report, xerrors.Errorf("failed to list open ballots: %v", err)
	}

	r.each(closing, r.close(ctx))

	opening, err := s.due(types.StatusRegistered, r.now)
	if err != nil {
		return r.report, xerrors.Errorf("failed to list registered ballots: %v", err)
	}

	r.each(opening, r.open(ctx))

	finished, err := s.store.BallotsByStatus(types.StatusFinished)
	if err != nil {
		return r.report, xerrors.Errorf("failed to list finished ballots: %v", err)
	}

	r.each(untallied(finished), r.tally(ctx))

	s.Lock()
	promPending.Set(float64(len(s.pending) + len(s.inflight)))
	s.Unlock()

	return r.report, nil
}

// restore adds the intents of the journal unknown to the scheduler. The
// entries in memory win as they may not be persisted.
func (s *Scheduler) restore() error {
	intents, err := s.journal.Intents()
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	for _, intent := range intents {
		_, pending := s.pending[intent.BallotID]
		_, inflight := s.inflight[intent.BallotID]

		if pending || inflight {
			continue
		}

		if intent.Acknowledged() {
			s.pending[intent.BallotID] = intent.Target
		} else {
			s.inflight[intent.BallotID] = newInflight(intent)
		}
	}

	return nil
}

// due returns the ballots of the status whose next transition is reached.
func (s *Scheduler) due(status types.Status, now time.Time) ([]types.Ballot, error) {
	ballots, err := s.store.BallotsByStatus(status)
	if err != nil {
		return nil, err
	}

	res := ballots[:0]

	for _, b := range ballots {
		if (status == types.StatusOpen && b.CloseDue(now)) ||
			(status == types.StatusRegistered && b.OpenDue(now)) {

			res = append(res, b)
		}
	}

	return res, nil
}

// busy returns true when the ballot waits for a local commit or a receipt.
func (s *Scheduler) busy(id types.ID) bool {
	s.Lock()
	defer s.Unlock()

	_, pending := s.pending[id]
	_, inflight := s.inflight[id]

	return pending || inflight
}

func untallied(ballots []types.Ballot) []types.Ballot {
	res := ballots[:0]

	for _, b := range ballots {
		if b.Results == nil {
			res = append(res, b)
		}
	}

	return res
}

// run is the state of a single pass.
type run struct {
	*Scheduler

	now time.Time

	reportLock sync.Mutex
	report     Report
}

func (r *run) count(fn func(*Report)) {
	r.reportLock.Lock()
	fn(&r.report)
	r.reportLock.Unlock()
}

func (r *run) fail(phase string) {
	promFailures.WithLabelValues(phase).Inc()
	r.count(func(rep *Report) { rep.Failed++ })
}

// each applies fn to the ballots with a bounded number of workers.
func (r *run) each(ballots []types.Ballot, fn func(types.Ballot)) {
	eg := errgroup.Group{}
	eg.SetLimit(r.workers)

	for _, b := range ballots {
		b := b

		eg.Go(func() error {
			fn(b)
			return nil
		})
	}

	eg.Wait()
}

// commitPending applies the statuses acknowledged by the chain in a previous
// run but not saved. The chain is never called again for them.
func (r *run) commitPending(ctx context.Context) {
	r.Lock()
	pending := make(map[types.ID]types.Status, len(r.pending))
	for id, status := range r.pending {
		pending[id] = status
	}
	r.Unlock()

	for id, target := range pending {
		b, err := r.store.GetBallot(id)
		if xerrors.Is(err, store.ErrNotFound) {
			r.forget(id)
			continue
		}
		if err != nil {
			r.logger.Warn().Err(err).Stringer("ballot", id).Msg("pending ballot not loaded")
			r.fail("commit")
			continue
		}

		if b.Status == target {
			r.forget(id)
			continue
		}

		err = r.commit(b, target)
		if err != nil {
			r.fail("commit")
			continue
		}

		r.count(func(rep *Report) { rep.Committed++ })
	}
}

// checkInflight looks for the receipts of the unconfirmed transactions.
func (r *run) checkInflight(ctx context.Context) {
	r.Lock()
	txs := make(map[types.ID]inflight, len(r.inflight))
	for id, tx := range r.inflight {
		txs[id] = tx
	}
	r.Unlock()

	for id, tx := range txs {
		logger := r.logger.With().Stringer("ballot", id).Stringer("hash", tx.hash).Logger()

		mined, err := r.chain.Lookup(ctx, id.String(), tx.hash)
		if xerrors.Is(err, &contract.ChainRejected{}) {
			logger.Warn().Err(err).Msg("transaction rejected")
			r.forget(id)
			r.fail("confirm")

			if tx.target == types.StatusRegistered {
				r.discard(id)
			}

			continue
		}

		if err != nil {
			logger.Warn().Err(err).Msg("receipt lookup failed")
			continue
		}

		if !mined {
			continue
		}

		b, err := r.store.GetBallot(id)
		if err != nil {
			// The chain moved: the commit is retried by the next run.
			r.postpone(id, tx.target)
			logger.Warn().Err(err).Msg("confirmed ballot not loaded")
			r.fail("confirm")
			continue
		}

		if b.Status == tx.target {
			r.forget(id)
			continue
		}

		err = r.commit(b, tx.target)
		if err != nil {
			r.fail("confirm")
			continue
		}

		r.count(func(rep *Report) { rep.Confirmed++ })
	}
}

func (r *run) close(ctx context.Context) func(types.Ballot) {
	return func(b types.Ballot) {
		if r.busy(b.ID) {
			return
		}

		err := r.chain.Close(ctx, b.ID.String(), b.Participants)
		if !r.acknowledged(b, types.StatusFinished, err) {
			r.fail("close")
			return
		}

		r.count(func(rep *Report) { rep.Closed++ })
	}
}

func (r *run) open(ctx context.Context) func(types.Ballot) {
	return func(b types.Ballot) {
		if r.busy(b.ID) {
			return
		}

		err := r.chain.Open(ctx, b.ID.String())
		if !r.acknowledged(b, types.StatusOpen, err) {
			r.fail("open")
			return
		}

		r.count(func(rep *Report) { rep.Opened++ })
	}
}

func (r *run) tally(ctx context.Context) func(types.Ballot) {
	return func(b types.Ballot) {
		res, err := r.chain.ResultOf(ctx, b.ID.String())
		if err != nil {
			r.logger.Warn().Err(err).Stringer("ballot", b.ID).Msg("result not fetched")
			r.fail("result")
			return
		}

		if len(res) == 0 {
			// Not tallied by the contract yet.
			return
		}

		b.Results = res

		err = r.store.SaveBallot(b)
		if err != nil {
			r.logger.Warn().Err(err).Stringer("ballot", b.ID).Msg("result not saved")
			r.fail("result")
			return
		}

		r.count(func(rep *Report) { rep.Tallied++ })
	}
}

// acknowledged handles the outcome of a chain call and returns true when the
// new status is committed locally.
func (r *run) acknowledged(b types.Ballot, target types.Status, err error) bool {
	logger := r.logger.With().Stringer("ballot", b.ID).Str("target", string(target)).Logger()

	var unconfirmed *contract.Unconfirmed

	switch {
	case xerrors.As(err, &unconfirmed):
		r.track(store.Intent{BallotID: b.ID, Target: target, Hash: unconfirmed.Hash})

		logger.Info().Stringer("hash", unconfirmed.Hash).Msg("waiting for receipt")
		return false
	case err != nil:
		logger.Warn().Err(err).Msg("chain call failed")
		return false
	}

	return r.commit(b, target) == nil
}

// commit saves the ballot with the new status, trying a bounded number of
// times. If the save still fails, the status is kept for the next run.
func (r *run) commit(b types.Ballot, target types.Status) error {
	err := b.Advance(target)
	if err != nil {
		r.forget(b.ID)
		r.logger.Error().Err(err).Stringer("ballot", b.ID).Msg("inconsistent status")
		return err
	}

	for i := 0; i < r.saveAttempts; i++ {
		err = r.store.SaveBallot(b)
		if err == nil {
			r.forget(b.ID)
			promTransitions.WithLabelValues(string(target)).Inc()

			r.logger.Info().
				Stringer("ballot", b.ID).
				Str("status", string(target)).
				Msg("ballot updated")

			return nil
		}
	}

	r.postpone(b.ID, target)

	r.logger.Warn().Err(err).Stringer("ballot", b.ID).Msg("commit deferred")

	return xerrors.Errorf("failed to save ballot %s: %v", b.ID, err)
}

// track keeps a broadcast transaction until its receipt is found.
func (r *run) track(intent store.Intent) {
	r.Lock()
	r.inflight[intent.BallotID] = newInflight(intent)
	r.Unlock()

	r.persist(intent)
}

// postpone keeps a status acknowledged by the chain until it is saved.
func (r *run) postpone(id types.ID, target types.Status) {
	r.Lock()
	delete(r.inflight, id)
	r.pending[id] = target
	r.Unlock()

	r.persist(store.Intent{BallotID: id, Target: target})
}

func (r *run) persist(intent store.Intent) {
	err := r.journal.SaveIntent(intent)
	if err != nil {
		r.logger.Warn().Err(err).Stringer("ballot", intent.BallotID).Msg("intent not persisted")
	}
}

func (r *run) forget(id types.ID) {
	r.Lock()
	delete(r.pending, id)
	delete(r.inflight, id)
	r.Unlock()

	err := r.journal.DeleteIntent(id)
	if err != nil {
		r.logger.Warn().Err(err).Stringer("ballot", id).Msg("intent not deleted")
	}
}

// discard removes a ballot whose registration failed on the chain.
func (r *run) discard(id types.ID) {
	b, err := r.store.GetBallot(id)
	if err != nil || b.Status != types.StatusPending {
		return
	}

	err = r.store.DeleteBallot(id)
	if err != nil {
		r.logger.Warn().Err(err).Stringer("ballot", id).Msg("rejected ballot not deleted")
		return
	}

	r.logger.Info().Stringer("ballot", id).Msg("rejected registration discarded")
}

// nopJournal keeps nothing.
//
// - implements store.IntentStore
type nopJournal struct{}

func (nopJournal) SaveIntent(store.Intent) error { return nil }

func (nopJournal) Intents() ([]store.Intent, error) { return nil, nil }

func (nopJournal) DeleteIntent(types.ID) error { return nil }

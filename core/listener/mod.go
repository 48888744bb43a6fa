// Package listener reconciles the local groups with the authorization events
// emitted by the chain.
//
// A group is created locally in the PENDING state. It becomes ALIVE once the
// chain emits the event of its authorization. The handling of an event is
// idempotent, so that the same event delivered twice, or replayed after a
// reconnection, leaves the group unchanged.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/ballot"
	"go.dedis.ch/ballot/core/chain"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"golang.org/x/xerrors"
)

const (
	eventBufferSize      = 32
	defaultRetryInterval = 30 * time.Second
)

// defaultRetry is the policy applied to an event before it is deferred.
var defaultRetry = chain.Backoff{
	Attempts: 3,
	Initial:  100 * time.Millisecond,
	Max:      time.Second,
	Retry:    func(error) bool { return true },
}

var promEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ballot_listener_events_total",
	Help: "number of chain events handled by outcome",
}, []string{"outcome"})

func init() {
	ballot.PromCollectors = append(ballot.PromCollectors, promEvents)
}

// Event is the authorization of a group observed on the chain.
type Event struct {
	GroupID types.ID
	Block   uint64
	TxHash  common.Hash
	Index   uint
}

// Source is a stream of events.
type Source interface {
	// Listen pushes the events on the channel until the context is done or
	// the stream fails.
	Listen(ctx context.Context, events chan<- Event) error
}

// Consumer applies the events to the group store.
type Consumer struct {
	store  store.GroupStore
	logger zerolog.Logger
}

// NewConsumer returns a new consumer.
func NewConsumer(st store.GroupStore) *Consumer {
	return &Consumer{
		store:  st,
		logger: ballot.Logger.With().Str("component", "listener").Logger(),
	}
}

// Handle moves a PENDING group to ALIVE. An event for a group already ALIVE
// is ignored, as well as for a group DELETED or REPORTED which is never
// revived. An unknown group is skipped.
func (c *Consumer) Handle(ctx context.Context, ev Event) error {
	logger := c.logger.With().
		Stringer("group", ev.GroupID).
		Uint64("block", ev.Block).
		Stringer("tx", ev.TxHash).
		Logger()

	group, err := c.store.GetGroup(ev.GroupID)
	if xerrors.Is(err, store.ErrNotFound) {
		promEvents.WithLabelValues("unknown").Inc()
		logger.Warn().Msg("event for unknown group")
		return nil
	}
	if err != nil {
		promEvents.WithLabelValues("error").Inc()
		return xerrors.Errorf("failed to read group %s: %v", ev.GroupID, err)
	}

	if !group.Authorize() {
		promEvents.WithLabelValues("ignored").Inc()
		logger.Debug().Str("status", string(group.Status)).Msg("event ignored")
		return nil
	}

	err = c.store.SaveGroup(group)
	if err != nil {
		promEvents.WithLabelValues("error").Inc()
		return xerrors.Errorf("failed to save group %s: %v", ev.GroupID, err)
	}

	promEvents.WithLabelValues("authorized").Inc()
	logger.Info().Str("name", group.Name).Msg("group authorized")

	return nil
}

// Listener runs a consumer over the events of a source. An event that cannot
// be handled is retried with a bounded backoff, then kept and handled again
// at every retry interval until it succeeds.
type Listener struct {
	source        Source
	consumer      *Consumer
	logger        zerolog.Logger
	retry         chain.Backoff
	retryInterval time.Duration

	failedLock sync.Mutex
	// failed holds the last event of the groups whose handling failed.
	failed map[types.ID]Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenerOption is the type of option to set some fields of a listener.
type ListenerOption func(*Listener)

// WithRetry sets the policy applied to an event before it is deferred.
func WithRetry(b chain.Backoff) ListenerOption {
	return func(l *Listener) {
		l.retry = b
	}
}

// WithRetryInterval sets the delay between two attempts on the deferred
// events.
func WithRetryInterval(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.retryInterval = d
	}
}

// NewListener returns a new listener.
func NewListener(source Source, consumer *Consumer, opts ...ListenerOption) *Listener {
	l := &Listener{
		source:        source,
		consumer:      consumer,
		logger:        ballot.Logger.With().Str("component", "listener").Logger(),
		retry:         defaultRetry,
		retryInterval: defaultRetryInterval,
		failed:        make(map[types.ID]Event),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.retry.Retry == nil {
		l.retry.Retry = defaultRetry.Retry
	}

	if l.retryInterval <= 0 {
		l.retryInterval = defaultRetryInterval
	}

	return l
}

// Start starts to listen for events in the background.
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	events := make(chan Event, eventBufferSize)

	l.wg.Add(2)

	go func() {
		defer l.wg.Done()
		defer close(events)

		err := l.source.Listen(ctx, events)
		if err != nil {
			l.logger.Error().Err(err).Msg("event source stopped")
		}
	}()

	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}

				l.deliver(ctx, ev)
			case <-ticker.C:
				l.redeliver(ctx)
			}
		}
	}()

	l.logger.Info().Msg("listener started")
}

// Deferred returns the number of events waiting for another attempt.
func (l *Listener) Deferred() int {
	l.failedLock.Lock()
	defer l.failedLock.Unlock()

	return len(l.failed)
}

func (l *Listener) deliver(ctx context.Context, ev Event) {
	err := l.retry.Do(ctx, func() error {
		return l.consumer.Handle(ctx, ev)
	})

	l.failedLock.Lock()
	defer l.failedLock.Unlock()

	if err != nil {
		promEvents.WithLabelValues("deferred").Inc()
		l.logger.Warn().Err(err).Stringer("group", ev.GroupID).Msg("event deferred")

		l.failed[ev.GroupID] = ev
		return
	}

	delete(l.failed, ev.GroupID)
}

func (l *Listener) redeliver(ctx context.Context) {
	l.failedLock.Lock()
	failed := make([]Event, 0, len(l.failed))
	for _, ev := range l.failed {
		failed = append(failed, ev)
	}
	l.failedLock.Unlock()

	for _, ev := range failed {
		err := l.consumer.Handle(ctx, ev)
		if err != nil {
			l.logger.Debug().Err(err).Stringer("group", ev.GroupID).Msg("event still failing")
			continue
		}

		l.failedLock.Lock()
		delete(l.failed, ev.GroupID)
		l.failedLock.Unlock()
	}
}

// Stop stops the listener and waits for the events in progress.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}

	l.cancel()
	l.wg.Wait()

	l.cancel = nil

	l.logger.Info().Msg("listener stopped")
}

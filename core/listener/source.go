package listener

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/rs/zerolog"
	"go.dedis.ch/ballot"
	ballottypes "go.dedis.ch/ballot/core/types"
	"golang.org/x/xerrors"
)

// EventName is the name of the authorization event of the contract.
const EventName = "groupAuthCompleted"

const (
	defaultBackoffMax = 30 * time.Second

	// seenCacheSize is the number of recent logs remembered to drop the
	// duplicates of a backfill.
	seenCacheSize = 1024
)

// LogClient is the part of the ledger client needed to read logs.
type LogClient interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
}

type logKey struct {
	block uint64
	tx    common.Hash
	index uint
}

// ChainSource is a source of the authorization events emitted by a contract.
//
// - implements listener.Source
type ChainSource struct {
	client     LogClient
	contract   common.Address
	event      abi.Event
	fromBlock  uint64
	backoffMax time.Duration
	logger     zerolog.Logger

	// next is the first block read again by a new subscription. It only
	// moves forward.
	next uint64
}

// SourceOption is the type of option to set some fields of a source.
type SourceOption func(*ChainSource)

// WithFromBlock replays the events from the block before following the new
// ones. By default the source starts after the current head.
func WithFromBlock(block uint64) SourceOption {
	return func(s *ChainSource) {
		s.fromBlock = block
	}
}

// WithBackoffMax sets the maximum delay between two reconnection attempts.
func WithBackoffMax(d time.Duration) SourceOption {
	return func(s *ChainSource) {
		s.backoffMax = d
	}
}

// NewChainSource returns a source for the contract at the address.
func NewChainSource(client LogClient, contract common.Address, opts ...SourceOption) *ChainSource {
	s := &ChainSource{
		client:     client,
		contract:   contract,
		event:      AuthEvent(),
		backoffMax: defaultBackoffMax,
		logger:     ballot.Logger.With().Str("component", "listener").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// AuthEvent returns the ABI of the authorization event.
func AuthEvent() abi.Event {
	typ, _ := abi.NewType("string", "", nil)

	return abi.NewEvent(EventName, EventName, false, abi.Arguments{{Name: "groupId", Type: typ}})
}

// Listen implements listener.Source. The subscription is restored with a
// bounded exponential backoff when it fails. Every subscription is followed
// by a backfill of the logs from the last block seen, so that the events
// emitted while disconnected are delivered. Duplicated logs are dropped.
func (s *ChainSource) Listen(ctx context.Context, events chan<- Event) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{s.event.ID}},
	}

	start := s.fromBlock
	if start == 0 {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return xerrors.Errorf("failed to read head: %v", err)
		}

		start = head + 1
	}

	atomic.StoreUint64(&s.next, start)

	logs := make(chan types.Log, eventBufferSize)
	seen := lru.NewCache[logKey, struct{}](seenCacheSize)

	sub := event.ResubscribeErr(s.backoffMax, func(ctx context.Context, err error) (event.Subscription, error) {
		if err != nil {
			s.logger.Warn().Err(err).Msg("subscription lost, reconnecting")
		}

		sub, err := s.client.SubscribeFilterLogs(ctx, query, logs)
		if err != nil {
			return nil, err
		}

		err = s.backfill(ctx, query, logs)
		if err != nil {
			sub.Unsubscribe()
			s.logger.Warn().Err(err).Msg("backfill failed")

			return nil, err
		}

		return sub, nil
	})

	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok {
				return nil
			}

			return xerrors.Errorf("subscription failed: %v", err)
		case log := <-logs:
			if !log.Removed {
				key := logKey{block: log.BlockNumber, tx: log.TxHash, index: log.Index}
				if seen.Contains(key) {
					continue
				}

				seen.Add(key, struct{}{})

				if log.BlockNumber > atomic.LoadUint64(&s.next) {
					atomic.StoreUint64(&s.next, log.BlockNumber)
				}
			}

			ev, ok := s.decode(log)
			if !ok {
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// backfill pushes the logs from the next block to the channel of the
// subscription. The logs of the last block seen are read again.
func (s *ChainSource) backfill(ctx context.Context, query ethereum.FilterQuery,
	logs chan<- types.Log) error {

	from := atomic.LoadUint64(&s.next)
	query.FromBlock = new(big.Int).SetUint64(from)

	past, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return xerrors.Errorf("failed to replay events: %v", err)
	}

	if len(past) > 0 {
		s.logger.Info().Int("events", len(past)).Uint64("from", from).Msg("replaying events")
	}

	for _, log := range past {
		select {
		case logs <- log:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// decode returns the event of the log, or false when the log must be
// skipped.
func (s *ChainSource) decode(log types.Log) (Event, bool) {
	logger := s.logger.With().Uint64("block", log.BlockNumber).Stringer("tx", log.TxHash).Logger()

	if log.Removed {
		logger.Debug().Msg("log removed by a reorganization")
		return Event{}, false
	}

	values, err := s.event.Inputs.Unpack(log.Data)
	if err != nil || len(values) != 1 {
		logger.Warn().Err(err).Msg("malformed event")
		return Event{}, false
	}

	raw, _ := values[0].(string)

	id, err := ballottypes.ParseID(raw)
	if err != nil {
		logger.Warn().Err(err).Str("group", raw).Msg("invalid group identifier")
		return Event{}, false
	}

	return Event{
		GroupID: id,
		Block:   log.BlockNumber,
		TxHash:  log.TxHash,
		Index:   log.Index,
	}, true
}

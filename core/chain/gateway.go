package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/ballot"
	"golang.org/x/xerrors"
)

const (
	defaultPollInterval = time.Second
	defaultGasMargin    = 20 // percent
)

var promCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ballot_chain_calls_total",
	Help: "number of contract calls by kind, function and outcome",
}, []string{"kind", "function", "outcome"})

func init() {
	ballot.PromCollectors = append(ballot.PromCollectors, promCalls)
}

// Gateway is the single place where contract calls are encoded, submitted
// and decoded.
type Gateway struct {
	client  Client
	account *Account
	tracer  opentracing.Tracer
	logger  zerolog.Logger
	retry   Backoff
	poll    time.Duration

	// Serializes the sends of the account so that two transactions never
	// pick the same nonce.
	sendLock sync.Mutex

	chainID *big.Int
}

// GatewayOption is the type of option to set some fields of a gateway.
type GatewayOption func(*Gateway)

// WithAccount sets the account that signs the state-changing calls.
func WithAccount(account *Account) GatewayOption {
	return func(g *Gateway) {
		g.account = account
	}
}

// WithRetry sets the backoff policy applied to read-only calls failing with a
// network error. Sends are never retried.
func WithRetry(b Backoff) GatewayOption {
	return func(g *Gateway) {
		g.retry = b
	}
}

// WithTracer sets the tracer used to create a span for each call.
func WithTracer(tracer opentracing.Tracer) GatewayOption {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithPollInterval sets the interval between two receipt lookups when waiting
// for a transaction.
func WithPollInterval(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.poll = d
	}
}

// NewGateway returns a new gateway over the client.
func NewGateway(client Client, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		client: client,
		tracer: opentracing.GlobalTracer(),
		logger: ballot.Logger.With().Str("component", "chain").Logger(),
		retry:  Backoff{Attempts: 1},
		poll:   defaultPollInterval,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Client returns the underlying ledger client.
func (g *Gateway) Client() Client {
	return g.client
}

// Call executes a read-only call of the function against the latest state
// and returns the decoded outputs.
func (g *Gateway) Call(ctx context.Context, addr common.Address, fn string,
	inputs []Value, outputs []string) ([]interface{}, error) {

	span, ctx := g.startSpan(ctx, KindCall, fn, addr)
	defer span.Finish()

	method, data, err := encode(KindCall, fn, inputs, outputs)
	if err != nil {
		return nil, g.done(span, KindCall, fn, err)
	}

	msg := ethereum.CallMsg{To: &addr, Data: data}
	if g.account != nil {
		msg.From = g.account.Address
	}

	var ret []byte

	err = g.retry.Do(ctx, func() error {
		raw, err := g.client.CallContract(ctx, msg, nil)
		if err != nil {
			return classify(err)
		}

		ret = raw
		return nil
	})
	if err != nil {
		return nil, g.done(span, KindCall, fn, err)
	}

	values, err := decode(method, ret)
	if err != nil {
		return nil, g.done(span, KindCall, fn, err)
	}

	return values, g.done(span, KindCall, fn, nil)
}

// Send simulates the call, then signs and broadcasts the transaction. It
// returns as soon as the node accepted the transaction, which does not mean
// it is mined. A reverted simulation is returned as ErrReverted and nothing
// is broadcast.
func (g *Gateway) Send(ctx context.Context, addr common.Address, fn string,
	inputs []Value, outputs []string) (Submission, error) {

	span, ctx := g.startSpan(ctx, KindSend, fn, addr)
	defer span.Finish()

	sub, err := g.send(ctx, addr, fn, inputs, outputs)

	return sub, g.done(span, KindSend, fn, err)
}

func (g *Gateway) send(ctx context.Context, addr common.Address, fn string,
	inputs []Value, outputs []string) (Submission, error) {

	if g.account == nil {
		return Submission{}, ErrNoAccount
	}

	method, data, err := encode(KindSend, fn, inputs, outputs)
	if err != nil {
		return Submission{}, err
	}

	g.sendLock.Lock()
	defer g.sendLock.Unlock()

	msg := ethereum.CallMsg{From: g.account.Address, To: &addr, Data: data}

	ret, err := g.client.CallContract(ctx, msg, nil)
	if err != nil {
		return Submission{}, xerrors.Errorf("failed to simulate %s: %w", method.Sig, classify(err))
	}

	values, err := decode(method, ret)
	if err != nil {
		return Submission{}, err
	}

	gas, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		return Submission{}, xerrors.Errorf("failed to estimate gas: %w", classify(err))
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return Submission{}, xerrors.Errorf("failed to get gas price: %w", classify(err))
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.account.Address)
	if err != nil {
		return Submission{}, xerrors.Errorf("failed to get nonce: %w", classify(err))
	}

	chainID, err := g.getChainID(ctx)
	if err != nil {
		return Submission{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas*defaultGasMargin/100,
		To:       &addr,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), g.account.key)
	if err != nil {
		return Submission{}, xerrors.Errorf("failed to sign: %v", err)
	}

	err = g.client.SendTransaction(ctx, signed)
	if err != nil {
		return Submission{}, xerrors.Errorf("failed to broadcast: %w", classify(err))
	}

	g.logger.Debug().
		Str("function", method.Sig).
		Stringer("hash", signed.Hash()).
		Uint64("nonce", nonce).
		Msg("transaction broadcast")

	return Submission{Hash: signed.Hash(), Values: values}, nil
}

// Receipt returns the receipt of the transaction, or nil when it is not mined
// yet.
func (g *Gateway) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if xerrors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to get receipt: %w", classify(err))
	}

	return receipt, nil
}

// WaitMined polls the receipt of the transaction until it is found or the
// timeout is reached. A transaction mined with a failure status returns
// ErrReverted, and ErrTimeout is returned when no receipt is found in time.
func (g *Gateway) WaitMined(ctx context.Context, hash common.Hash,
	timeout time.Duration) (*types.Receipt, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		receipt, err := g.Receipt(ctx, hash)
		if err != nil {
			if !xerrors.Is(err, ErrNetwork) && !xerrors.Is(err, ErrTimeout) {
				return nil, err
			}

			g.logger.Warn().Err(err).Stringer("hash", hash).Msg("receipt lookup failed")
		}

		if receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, RevertError{Reason: "transaction failed"}
			}

			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Errorf("%w: transaction %s", ErrTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (g *Gateway) getChainID(ctx context.Context) (*big.Int, error) {
	if g.chainID != nil {
		return g.chainID, nil
	}

	id, err := g.client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to get chain id: %w", classify(err))
	}

	g.chainID = id

	return id, nil
}

func (g *Gateway) startSpan(ctx context.Context, kind Kind, fn string,
	addr common.Address) (opentracing.Span, context.Context) {

	opts := []opentracing.StartSpanOption{
		opentracing.Tag{Key: "function", Value: fn},
		opentracing.Tag{Key: "contract", Value: addr.Hex()},
	}

	parent := opentracing.SpanFromContext(ctx)
	if parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}

	span := g.tracer.StartSpan("chain."+string(kind), opts...)

	return span, opentracing.ContextWithSpan(ctx, span)
}

func (g *Gateway) done(span opentracing.Span, kind Kind, fn string, err error) error {
	outcome := "ok"

	switch {
	case err == nil:
	case xerrors.Is(err, ErrReverted):
		outcome = "reverted"
	case xerrors.Is(err, ErrEncoding):
		outcome = "encoding"
	case xerrors.Is(err, ErrTimeout):
		outcome = "timeout"
	default:
		outcome = "network"
	}

	promCalls.WithLabelValues(string(kind), fn, outcome).Inc()

	if err != nil {
		span.SetTag("error", true)
		span.LogKV("event", "error", "message", err.Error())
	}

	return err
}

// classify maps an error of the client to the error taxonomy of the gateway.
func classify(err error) error {
	if xerrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Errorf("%w: %v", ErrTimeout, err)
	}

	var dataErr rpc.DataError
	if xerrors.As(err, &dataErr) {
		return RevertError{Reason: revertReason(dataErr)}
	}

	if strings.Contains(err.Error(), ErrReverted.Error()) {
		return RevertError{Reason: strings.TrimSpace(
			strings.TrimPrefix(strings.TrimPrefix(err.Error(), ErrReverted.Error()), ":"))}
	}

	return xerrors.Errorf("%w: %v", ErrNetwork, err)
}

func revertReason(err rpc.DataError) string {
	encoded, ok := err.ErrorData().(string)
	if !ok {
		return ""
	}

	data, decodeErr := hexutil.Decode(encoded)
	if decodeErr != nil {
		return ""
	}

	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return ""
	}

	return reason
}

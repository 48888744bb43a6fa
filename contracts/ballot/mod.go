// Package ballot implements the adapter of the ballot smart contract.
//
// The contract is pre-deployed at a fixed address and exposes:
//
//	registerBallot(bytes32,string,uint256,uint256,string[],bool,uint256,uint256) returns (bool)
//	open(string)
//	close(string,uint256)
//	resultOfBallot(string) returns (uint256[])
//
// Times are sent as milliseconds since the epoch.
package ballot

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.dedis.ch/ballot/core/chain"
	"golang.org/x/xerrors"
)

const defaultConfirmTimeout = 30 * time.Second

// Gateway is the part of the contract call gateway used by the adapters.
type Gateway interface {
	Call(ctx context.Context, addr common.Address, fn string,
		inputs []chain.Value, outputs []string) ([]interface{}, error)

	Send(ctx context.Context, addr common.Address, fn string,
		inputs []chain.Value, outputs []string) (chain.Submission, error)

	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Registration is the set of arguments of a ballot registration.
type Registration struct {
	IdentityHash [32]byte
	BallotID     string
	PublicKeyX   *big.Int
	PublicKeyY   *big.Int
	Candidates   []string
	Official     bool
	StartTime    time.Time
	EndTime      time.Time
}

// ChainRejected is the error returned when the contract refused the call.
//
// - implements error
type ChainRejected struct {
	BallotID string
	Reason   string
}

// Error implements error.
func (e *ChainRejected) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("chain rejected ballot %s", e.BallotID)
	}

	return fmt.Sprintf("chain rejected ballot %s: %s", e.BallotID, e.Reason)
}

// Is returns true when the error is also a chain rejection.
func (e *ChainRejected) Is(err error) bool {
	_, ok := err.(*ChainRejected)
	return ok
}

// Unwrap returns the revert error.
func (e *ChainRejected) Unwrap() error {
	return chain.ErrReverted
}

// Unconfirmed is the error returned when a transaction was broadcast but not
// observed in time. The outcome is unknown and the receipt of the hash must
// be checked before trying again.
//
// - implements error
type Unconfirmed struct {
	BallotID string
	Hash     common.Hash
}

// Error implements error.
func (e *Unconfirmed) Error() string {
	return fmt.Sprintf("transaction %s of ballot %s is unconfirmed", e.Hash.Hex(), e.BallotID)
}

// Is returns true when the error is also an unconfirmed transaction.
func (e *Unconfirmed) Is(err error) bool {
	_, ok := err.(*Unconfirmed)
	return ok
}

// Unwrap returns the timeout error.
func (e *Unconfirmed) Unwrap() error {
	return chain.ErrTimeout
}

// Contract is the adapter of the ballot contract.
type Contract struct {
	gw      Gateway
	addr    common.Address
	timeout time.Duration
}

// Option is the type of option to set some fields of the adapter.
type Option func(*Contract)

// WithConfirmTimeout sets the maximum duration to wait for the receipt of a
// state-changing call.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Contract) {
		c.timeout = d
	}
}

// NewContract returns the adapter of the contract deployed at the address.
func NewContract(gw Gateway, addr common.Address, opts ...Option) *Contract {
	c := &Contract{
		gw:      gw,
		addr:    addr,
		timeout: defaultConfirmTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Address returns the address of the contract.
func (c *Contract) Address() common.Address {
	return c.addr
}

// RegisterBallot registers the ballot on the chain and waits for the
// confirmation. It returns the boolean result of the contract.
func (c *Contract) RegisterBallot(ctx context.Context, r Registration) (bool, error) {
	inputs := []chain.Value{
		chain.Bytes32(r.IdentityHash),
		chain.String(r.BallotID),
		chain.Uint256(nonNil(r.PublicKeyX)),
		chain.Uint256(nonNil(r.PublicKeyY)),
		chain.StringArray(r.Candidates),
		chain.Bool(r.Official),
		chain.Uint64(uint64(r.StartTime.UnixMilli())),
		chain.Uint64(uint64(r.EndTime.UnixMilli())),
	}

	values, err := c.send(ctx, r.BallotID, "registerBallot", inputs, []string{"bool"})
	if err != nil {
		return false, err
	}

	ok, isBool := values[0].(bool)
	if !isBool {
		return false, xerrors.Errorf("%w: unexpected result %T", chain.ErrEncoding, values[0])
	}

	return ok, nil
}

// Open opens the ballot on the chain and waits for the confirmation.
func (c *Contract) Open(ctx context.Context, id string) error {
	_, err := c.send(ctx, id, "open", []chain.Value{chain.String(id)}, nil)
	return err
}

// Close closes the ballot on the chain with the final turnout and waits for
// the confirmation.
func (c *Contract) Close(ctx context.Context, id string, total uint64) error {
	inputs := []chain.Value{chain.String(id), chain.Uint64(total)}

	_, err := c.send(ctx, id, "close", inputs, nil)
	return err
}

// ResultOf returns the tally of the ballot, one count per candidate in the
// order of registration.
func (c *Contract) ResultOf(ctx context.Context, id string) ([]uint64, error) {
	values, err := c.gw.Call(ctx, c.addr, "resultOfBallot",
		[]chain.Value{chain.String(id)}, []string{"uint256[]"})
	if err != nil {
		return nil, convert(id, common.Hash{}, err)
	}

	counts, ok := values[0].([]*big.Int)
	if !ok {
		return nil, xerrors.Errorf("%w: unexpected result %T", chain.ErrEncoding, values[0])
	}

	res := make([]uint64, len(counts))
	for i, count := range counts {
		if !count.IsUint64() {
			return nil, xerrors.Errorf("%w: count %v overflows", chain.ErrEncoding, count)
		}

		res[i] = count.Uint64()
	}

	return res, nil
}

// Lookup checks once the receipt of a transaction of the ballot. It returns
// false when the transaction is not mined yet and a ChainRejected error when
// it failed.
func (c *Contract) Lookup(ctx context.Context, id string, hash common.Hash) (bool, error) {
	receipt, err := c.gw.Receipt(ctx, hash)
	if err != nil {
		return false, convert(id, hash, err)
	}

	if receipt == nil {
		return false, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, &ChainRejected{BallotID: id, Reason: "transaction failed"}
	}

	return true, nil
}

// confirm waits for the receipt of the transaction. It returns an Unconfirmed
// error when the receipt is not found in time and a ChainRejected error when
// the transaction failed.
func (c *Contract) confirm(ctx context.Context, id string, hash common.Hash) error {
	_, err := c.gw.WaitMined(ctx, hash, c.timeout)
	if err != nil {
		return convert(id, hash, err)
	}

	return nil
}

func (c *Contract) send(ctx context.Context, id, fn string, inputs []chain.Value,
	outputs []string) ([]interface{}, error) {

	sub, err := c.gw.Send(ctx, c.addr, fn, inputs, outputs)
	if err != nil {
		return nil, convert(id, common.Hash{}, err)
	}

	err = c.confirm(ctx, id, sub.Hash)
	if err != nil {
		return nil, err
	}

	return sub.Values, nil
}

func convert(id string, hash common.Hash, err error) error {
	var revert chain.RevertError

	switch {
	case xerrors.As(err, &revert):
		return &ChainRejected{BallotID: id, Reason: revert.Reason}
	case xerrors.Is(err, chain.ErrReverted):
		return &ChainRejected{BallotID: id}
	case xerrors.Is(err, chain.ErrTimeout) && hash != (common.Hash{}):
		return &Unconfirmed{BallotID: id, Hash: hash}
	default:
		return xerrors.Errorf("contract call failed: %w", err)
	}
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}

	return v
}

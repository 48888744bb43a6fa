// Package chain implements the gateway to call smart contracts of an
// Ethereum-compatible ledger.
//
// A call is described by a function name, typed input values, and the types
// of the expected outputs. The gateway encodes them with the canonical ABI
// rules, so that it interoperates with any contract deployed with the same
// function signatures. Read-only calls run against the latest state, and
// state-changing calls are signed by the configured account and broadcast.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/xerrors"
)

// Client is the part of the ledger node API the gateway relies on. It is
// satisfied by *ethclient.Client.
type Client interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.TransactionSender
	ethereum.LogFilterer
	ethereum.BlockNumberReader

	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to the ledger node at the url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Errorf("%w: failed to dial '%s': %v", ErrNetwork, url, err)
	}

	return client, nil
}

var (
	// ErrEncoding is returned when a value does not match its declared type,
	// or when the returned data cannot be decoded.
	ErrEncoding = xerrors.New("abi encoding failed")

	// ErrNetwork is returned when the node cannot be reached. The call can be
	// retried.
	ErrNetwork = xerrors.New("ledger unreachable")

	// ErrReverted is returned when the remote execution reverted.
	ErrReverted = xerrors.New("execution reverted")

	// ErrTimeout is returned when a transaction is not observed in time. The
	// outcome is unknown.
	ErrTimeout = xerrors.New("confirmation timeout")

	// ErrNoAccount is returned when a transaction is sent without account.
	ErrNoAccount = xerrors.New("no account configured")
)

// RevertError is the error of a reverted execution. It carries the decoded
// reason when the contract provided one.
//
// - implements error
type RevertError struct {
	Reason string
}

// Error implements error.
func (e RevertError) Error() string {
	if e.Reason == "" {
		return ErrReverted.Error()
	}

	return fmt.Sprintf("%v: %s", ErrReverted, e.Reason)
}

// Is returns true for ErrReverted and any other RevertError.
func (e RevertError) Is(err error) bool {
	if err == ErrReverted {
		return true
	}

	_, ok := err.(RevertError)

	return ok
}

// Kind is the kind of a contract call.
type Kind string

const (
	// KindCall is a read-only query.
	KindCall Kind = "call"
	// KindSend is a state-changing transaction.
	KindSend Kind = "send"
)

// Submission is the result of a broadcast transaction. The values are the
// outputs observed when the call was simulated before the broadcast.
type Submission struct {
	Hash   common.Hash
	Values []interface{}
}

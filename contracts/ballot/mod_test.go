package ballot

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/ballot/core/chain"
	"go.dedis.ch/ballot/internal/testing/fake"
	"golang.org/x/xerrors"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")

func TestContract_RegisterBallot(t *testing.T) {
	c, _, state := makeContract(t)

	reg := makeRegistration("ballot-1")

	ok, err := c.RegisterBallot(context.Background(), reg)
	require.NoError(t, err)
	require.True(t, ok)

	state.Lock()
	require.Equal(t, []string{"yes", "no"}, state.ballots["ballot-1"].candidates)
	require.Equal(t, uint64(reg.StartTime.UnixMilli()), state.ballots["ballot-1"].start)
	require.Equal(t, reg.IdentityHash, state.ballots["ballot-1"].identity)
	state.Unlock()
}

func TestContract_RegisterBallot_Duplicate(t *testing.T) {
	c, ledger, _ := makeContract(t)

	_, err := c.RegisterBallot(context.Background(), makeRegistration("ballot-1"))
	require.NoError(t, err)

	_, err = c.RegisterBallot(context.Background(), makeRegistration("ballot-1"))

	var rejected *ChainRejected
	require.True(t, xerrors.As(err, &rejected))
	require.Equal(t, "ballot-1", rejected.BallotID)
	require.Equal(t, "ballot already registered", rejected.Reason)
	require.True(t, xerrors.Is(err, chain.ErrReverted))
	require.EqualError(t, err, "chain rejected ballot ballot-1: ballot already registered")

	// The second registration must not reach the ledger.
	require.Equal(t, 1, ledger.Sends.Len())
}

func TestContract_Lifecycle(t *testing.T) {
	c, _, _ := makeContract(t)
	ctx := context.Background()

	_, err := c.RegisterBallot(ctx, makeRegistration("ballot-1"))
	require.NoError(t, err)

	err = c.Close(ctx, "ballot-1", 5)
	require.True(t, xerrors.Is(err, &ChainRejected{}))

	require.NoError(t, c.Open(ctx, "ballot-1"))
	require.NoError(t, c.Close(ctx, "ballot-1", 5))

	res, err := c.ResultOf(ctx, "ballot-1")
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, uint64(5), res[0]+res[1])

	err = c.Open(ctx, "unknown")
	require.EqualError(t, err, "chain rejected ballot unknown: unknown ballot")
}

func TestContract_Unconfirmed(t *testing.T) {
	c, ledger, _ := makeContract(t, WithConfirmTimeout(5*time.Millisecond))
	ledger.Manual = true

	_, err := c.RegisterBallot(context.Background(), makeRegistration("ballot-1"))

	var unconfirmed *Unconfirmed
	require.True(t, xerrors.As(err, &unconfirmed))
	require.Equal(t, "ballot-1", unconfirmed.BallotID)
	require.True(t, xerrors.Is(err, chain.ErrTimeout))

	mined, err := c.Lookup(context.Background(), "ballot-1", unconfirmed.Hash)
	require.NoError(t, err)
	require.False(t, mined)

	ledger.Mine()

	mined, err = c.Lookup(context.Background(), "ballot-1", unconfirmed.Hash)
	require.NoError(t, err)
	require.True(t, mined)
}

func TestContract_Lookup_Failed(t *testing.T) {
	c, ledger, _ := makeContract(t, WithConfirmTimeout(5*time.Millisecond))
	ledger.Manual = true
	ledger.FailReceipt = true

	_, err := c.RegisterBallot(context.Background(), makeRegistration("ballot-1"))

	var unconfirmed *Unconfirmed
	require.True(t, xerrors.As(err, &unconfirmed))

	ledger.Mine()

	_, err = c.Lookup(context.Background(), "ballot-1", unconfirmed.Hash)
	require.True(t, xerrors.Is(err, &ChainRejected{}))
}

func TestContract_NetworkFailure(t *testing.T) {
	c, ledger, _ := makeContract(t)
	ledger.ErrCall = fake.GetError()

	err := c.Open(context.Background(), "ballot-1")
	require.True(t, xerrors.Is(err, chain.ErrNetwork))
	require.False(t, xerrors.Is(err, &ChainRejected{}))

	_, err = c.ResultOf(context.Background(), "ballot-1")
	require.EqualError(t, err, "contract call failed: ledger unreachable: fake error")
}

func TestContract_Address(t *testing.T) {
	c := NewContract(nil, contractAddr)
	require.Equal(t, contractAddr, c.Address())
	require.Equal(t, defaultConfirmTimeout, c.timeout)
}

// -----------------------------------------------------------------------------
// Utility functions

type fakeBallot struct {
	identity   [32]byte
	candidates []string
	start      uint64
	end        uint64
	open       bool
	closed     bool
	results    []*big.Int
}

type fakeState struct {
	sync.Mutex
	ballots map[string]*fakeBallot
}

func makeRegistration(id string) Registration {
	now := time.Now()

	return Registration{
		IdentityHash: crypto.Keccak256Hash([]byte("owner")),
		BallotID:     id,
		PublicKeyX:   big.NewInt(1),
		PublicKeyY:   big.NewInt(2),
		Candidates:   []string{"yes", "no"},
		StartTime:    now,
		EndTime:      now.Add(time.Hour),
	}
}

func makeContract(t *testing.T, opts ...Option) (*Contract, *fake.Ledger, *fakeState) {
	state := &fakeState{ballots: make(map[string]*fakeBallot)}

	method := func(kind chain.Kind, fn string, in, out []string) abi.Method {
		m, err := chain.NewMethod(kind, fn, in, out)
		require.NoError(t, err)
		return m
	}

	contract := fake.NewContract()

	contract.Handle(method(chain.KindSend, "registerBallot",
		[]string{"bytes32", "string", "uint256", "uint256", "string[]", "bool", "uint256", "uint256"},
		[]string{"bool"}),
		func(_ common.Address, args []interface{}, commit bool) ([]interface{}, error) {
			state.Lock()
			defer state.Unlock()

			id := args[1].(string)
			if state.ballots[id] != nil {
				return nil, fake.Revert("ballot already registered")
			}

			if commit {
				state.ballots[id] = &fakeBallot{
					identity:   args[0].([32]byte),
					candidates: args[4].([]string),
					start:      args[6].(*big.Int).Uint64(),
					end:        args[7].(*big.Int).Uint64(),
				}
			}

			return []interface{}{true}, nil
		})

	contract.Handle(method(chain.KindSend, "open", []string{"string"}, nil),
		func(_ common.Address, args []interface{}, commit bool) ([]interface{}, error) {
			state.Lock()
			defer state.Unlock()

			b := state.ballots[args[0].(string)]
			if b == nil {
				return nil, fake.Revert("unknown ballot")
			}

			if commit {
				b.open = true
			}

			return nil, nil
		})

	contract.Handle(method(chain.KindSend, "close", []string{"string", "uint256"}, nil),
		func(_ common.Address, args []interface{}, commit bool) ([]interface{}, error) {
			state.Lock()
			defer state.Unlock()

			b := state.ballots[args[0].(string)]
			if b == nil || !b.open {
				return nil, fake.Revert("ballot not open")
			}

			if commit {
				// Splits the turnout in favour of the first candidate.
				total := args[1].(*big.Int).Uint64()
				b.closed = true
				b.results = []*big.Int{
					new(big.Int).SetUint64(total - total/2),
					new(big.Int).SetUint64(total / 2),
				}
			}

			return nil, nil
		})

	contract.Handle(method(chain.KindCall, "resultOfBallot", []string{"string"}, []string{"uint256[]"}),
		func(_ common.Address, args []interface{}, _ bool) ([]interface{}, error) {
			state.Lock()
			defer state.Unlock()

			b := state.ballots[args[0].(string)]
			if b == nil || !b.closed {
				return []interface{}{[]*big.Int{}}, nil
			}

			return []interface{}{b.results}, nil
		})

	ledger := fake.NewLedger()
	ledger.Deploy(contractAddr, contract)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	gw := chain.NewGateway(ledger, chain.WithAccount(chain.NewAccount(key)),
		chain.WithPollInterval(time.Millisecond))

	return NewContract(gw, contractAddr, opts...), ledger, state
}

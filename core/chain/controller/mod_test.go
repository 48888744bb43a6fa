package controller

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/contracts/identity"
	"go.dedis.ch/ballot/core/chain"
	"go.dedis.ch/ballot/internal/testing/fake"
)

const (
	ballotAddr   = "0x00000000000000000000000000000000000000b1"
	identityAddr = "0x00000000000000000000000000000000000000b2"
	groupAddr    = "0x00000000000000000000000000000000000000b3"
)

func TestController_Scenario(t *testing.T) {
	cfg, account := makeConfig(t)

	ledger := fake.NewLedger()
	ledger.Deploy(common.HexToAddress(identityAddr), makeRegistry(t))

	inj := node.NewInjector()
	inj.Inject(cfg)

	ctrl := makeController(ledger)
	require.NoError(t, ctrl.OnStart(nil, inj))

	var gw *chain.Gateway
	require.NoError(t, inj.Resolve(&gw))

	var contract *ballot.Contract
	require.NoError(t, inj.Resolve(&contract))
	require.Equal(t, common.HexToAddress(ballotAddr), contract.Address())

	var registry *identity.Registry
	require.NoError(t, inj.Resolve(&registry))

	out := new(bytes.Buffer)
	req := node.Context{
		Injector: inj,
		Flags:    node.FlagSet{"handle": "alice@example.org"},
		Out:      out,
	}

	require.NoError(t, registerAction{}.Execute(req))
	require.Equal(t, "registered alice@example.org", out.String())

	out.Reset()
	require.NoError(t, lookupAction{}.Execute(req))
	require.Equal(t, "alice@example.org: "+account.Hex(), out.String())

	out.Reset()
	require.NoError(t, removeAction{}.Execute(req))
	require.Equal(t, "removed alice@example.org", out.String())

	out.Reset()
	require.NoError(t, lookupAction{}.Execute(req))
	require.Equal(t, "alice@example.org: not registered", out.String())

	err := removeAction{}.Execute(req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to remove 'alice@example.org': ")

	out.Reset()
	require.NoError(t, showAction{}.Execute(req))
	require.Contains(t, out.String(), "account: "+account.Hex())
	require.Contains(t, out.String(), "ballot: "+common.HexToAddress(ballotAddr).Hex())

	require.NoError(t, ctrl.OnStop(inj))
}

func TestController_Failures(t *testing.T) {
	ctrl := makeController(fake.NewLedger())

	err := ctrl.OnStart(nil, node.NewInjector())
	require.Error(t, err)
	require.Contains(t, err.Error(), "injector: ")

	cfg, _ := makeConfig(t)
	inj := node.NewInjector()
	inj.Inject(cfg)

	cfg.Tracing.Enabled = true
	err = ctrl.OnStart(nil, inj)
	require.EqualError(t, err, fake.Err("failed to get tracer"))

	cfg.Tracing.Enabled = false
	ctrl.dialFn = func(context.Context, string) (chain.Client, error) {
		return nil, fake.GetError()
	}
	err = ctrl.OnStart(nil, inj)
	require.EqualError(t, err, fake.Err("failed to dial ledger"))

	require.NoError(t, os.WriteFile(cfg.Chain.AccountKey, []byte("010203"), 0600))
	err = ctrl.OnStart(nil, inj)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid account key: ")

	cfg.Chain.AccountKey = filepath.Join(t.TempDir(), "missing.key")
	err = ctrl.OnStart(nil, inj)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load account: ")

	err = ctrl.OnStop(node.NewInjector())
	require.Error(t, err)
	require.Contains(t, err.Error(), "injector: ")
}

func TestActions_MissingDependencies(t *testing.T) {
	req := node.Context{
		Injector: node.NewInjector(),
		Flags:    node.FlagSet{},
		Out:      new(bytes.Buffer),
	}

	for _, action := range []node.ActionTemplate{
		registerAction{}, removeAction{}, lookupAction{}, showAction{},
	} {
		err := action.Execute(req)
		require.Error(t, err)
		require.Contains(t, err.Error(), "injector: ")
	}
}

func TestNewAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.key")

	err := newAccount(node.FlagSet{"path": path})
	require.NoError(t, err)

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// The existing key is kept.
	err = newAccount(node.FlagSet{"path": path})
	require.NoError(t, err)

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)

	err = newAccount(node.FlagSet{"path": t.TempDir()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to create account key: ")
}

func TestController_SetCommands(t *testing.T) {
	builder := node.NewBuilder(NewController())
	require.NotNil(t, builder.Build())
}

// -----------------------------------------------------------------------------
// Utility functions

func makeController(ledger *fake.Ledger) controller {
	return controller{
		dialFn: func(context.Context, string) (chain.Client, error) {
			return ledger, nil
		},
		tracerFn: fake.GetTracerWithError,
	}
}

func makeConfig(t *testing.T) (*config.Config, common.Address) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "account.key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(crypto.FromECDSA(key))), 0600))

	cfg := config.Default()
	cfg.Chain.BallotContract = ballotAddr
	cfg.Chain.IdentityContract = identityAddr
	cfg.Chain.GroupContract = groupAddr
	cfg.Chain.AccountKey = path
	cfg.Chain.PollInterval = config.Duration(time.Millisecond)

	return &cfg, crypto.PubkeyToAddress(key.PublicKey)
}

func makeRegistry(t *testing.T) *fake.Contract {
	var lock sync.Mutex
	handles := make(map[string]common.Address)

	method := func(kind chain.Kind, fn string, out []string) abi.Method {
		m, err := chain.NewMethod(kind, fn, []string{"string"}, out)
		require.NoError(t, err)
		return m
	}

	contract := fake.NewContract()

	contract.Handle(method(chain.KindSend, "registerId", nil),
		func(from common.Address, args []interface{}, commit bool) ([]interface{}, error) {
			lock.Lock()
			defer lock.Unlock()

			if commit {
				handles[args[0].(string)] = from
			}

			return nil, nil
		})

	contract.Handle(method(chain.KindSend, "removeId", nil),
		func(from common.Address, args []interface{}, commit bool) ([]interface{}, error) {
			lock.Lock()
			defer lock.Unlock()

			if _, found := handles[args[0].(string)]; !found {
				return nil, fake.Revert("unknown")
			}

			if commit {
				delete(handles, args[0].(string))
			}

			return nil, nil
		})

	contract.Handle(method(chain.KindCall, "getId", []string{"string"}),
		func(_ common.Address, args []interface{}, _ bool) ([]interface{}, error) {
			lock.Lock()
			defer lock.Unlock()

			addr, found := handles[args[0].(string)]
			if !found {
				return []interface{}{""}, nil
			}

			return []interface{}{addr.Hex()}, nil
		})

	return contract
}

// Package controller implements the initializer connecting the daemon to the
// ledger. It injects the gateway and the contract adapters for the other
// controllers, and defines the identity and account commands.
package controller

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	opentracing "github.com/opentracing/opentracing-go"
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/contracts/identity"
	"go.dedis.ch/ballot/core/chain"
	"go.dedis.ch/ballot/crypto/loader"
	"go.dedis.ch/ballot/internal/tracing"
	"golang.org/x/xerrors"
)

const (
	dialTimeout   = 30 * time.Second
	actionTimeout = 2 * time.Minute
)

// closer is implemented by the clients holding a connection.
type closer interface {
	Close()
}

// controller is the initializer of the ledger access.
//
// - implements node.Initializer
type controller struct {
	dialFn   func(ctx context.Context, url string) (chain.Client, error)
	tracerFn func(service string) (opentracing.Tracer, error)
}

// NewController returns the initializer of the ledger access.
func NewController() node.Initializer {
	return controller{
		dialFn: func(ctx context.Context, url string) (chain.Client, error) {
			return chain.Dial(ctx, url)
		},
		tracerFn: tracing.GetTracerForService,
	}
}

// SetCommands implements node.Initializer. It defines the identity and
// account commands.
func (controller) SetCommands(builder node.Builder) {
	handle := cli.StringFlag{
		Name:     "handle",
		Usage:    "identity handle, for instance an email address",
		Required: true,
	}

	cmd := builder.SetCommand("identity")
	cmd.SetDescription("manage the identity registry")

	sub := cmd.SetSubCommand("register")
	sub.SetDescription("register a handle and wait for the confirmation")
	sub.SetFlags(handle)
	sub.SetAction(builder.MakeAction(registerAction{}))

	sub = cmd.SetSubCommand("remove")
	sub.SetDescription("remove a handle and wait for the confirmation")
	sub.SetFlags(handle)
	sub.SetAction(builder.MakeAction(removeAction{}))

	sub = cmd.SetSubCommand("lookup")
	sub.SetDescription("print the identity registered for a handle")
	sub.SetFlags(handle)
	sub.SetAction(builder.MakeAction(lookupAction{}))

	cmd = builder.SetCommand("account")
	cmd.SetDescription("manage the ledger account")

	sub = cmd.SetSubCommand("new")
	sub.SetDescription("generate an account key if the file does not exist")
	sub.SetFlags(cli.StringFlag{
		Name:     "path",
		Usage:    "path of the key file",
		Required: true,
	})
	sub.SetAction(newAccount)

	sub = cmd.SetSubCommand("show")
	sub.SetDescription("print the account and the contracts of the daemon")
	sub.SetAction(builder.MakeAction(showAction{}))
}

// OnStart implements node.Initializer. It dials the ledger node, loads the
// account and injects the gateway and the contract adapters.
func (c controller) OnStart(flags cli.Flags, inj node.Injector) error {
	var cfg *config.Config

	err := inj.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	key, err := loader.NewFileLoader(cfg.Chain.AccountKey).Load()
	if err != nil {
		return xerrors.Errorf("failed to load account: %v", err)
	}

	privkey, err := crypto.ToECDSA(key)
	if err != nil {
		return xerrors.Errorf("invalid account key: %v", err)
	}

	account := chain.NewAccount(privkey)

	tracer := opentracing.Tracer(opentracing.NoopTracer{})
	if cfg.Tracing.Enabled {
		tracer, err = c.tracerFn(cfg.Tracing.Service)
		if err != nil {
			return xerrors.Errorf("failed to get tracer: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	client, err := c.dialFn(ctx, cfg.Chain.RPC)
	if err != nil {
		return xerrors.Errorf("failed to dial ledger: %v", err)
	}

	retry := chain.DefaultBackoff
	retry.Attempts = cfg.Chain.RetryAttempts

	gw := chain.NewGateway(client,
		chain.WithAccount(account),
		chain.WithRetry(retry),
		chain.WithTracer(tracer),
		chain.WithPollInterval(cfg.Chain.PollInterval.Std()))

	timeout := cfg.Chain.ConfirmTimeout.Std()

	inj.Inject(client)
	inj.Inject(account)
	inj.Inject(gw)
	inj.Inject(ballot.NewContract(gw, common.HexToAddress(cfg.Chain.BallotContract),
		ballot.WithConfirmTimeout(timeout)))
	inj.Inject(identity.NewRegistry(gw, common.HexToAddress(cfg.Chain.IdentityContract), timeout))

	return nil
}

// OnStop implements node.Initializer. It closes the connection to the ledger
// and flushes the tracers.
func (controller) OnStop(inj node.Injector) error {
	var client chain.Client

	err := inj.Resolve(&client)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	c, ok := client.(closer)
	if ok {
		c.Close()
	}

	err = tracing.CloseAll()
	if err != nil {
		return xerrors.Errorf("failed to close tracers: %v", err)
	}

	return nil
}

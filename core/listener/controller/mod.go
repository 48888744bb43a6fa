// Package controller implements the initializer following the group events of
// the chain in the daemon, and the group commands.
package controller

import (
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/core/chain"
	"go.dedis.ch/ballot/core/listener"
	"go.dedis.ch/ballot/core/store"
	"golang.org/x/xerrors"
)

// controller is the initializer of the chain event listener.
//
// - implements node.Initializer
type controller struct{}

// NewController returns the initializer of the listener. It expects the
// configuration, the group store and the ledger client to be injected.
func NewController() node.Initializer {
	return controller{}
}

// SetCommands implements node.Initializer. It defines the group commands.
func (controller) SetCommands(builder node.Builder) {
	cmd := builder.SetCommand("group")
	cmd.SetDescription("manage the groups")

	sub := cmd.SetSubCommand("create")
	sub.SetDescription("store a group waiting for its authorization on the chain")
	sub.SetFlags(
		cli.StringFlag{
			Name:     "name",
			Usage:    "unique name of the group",
			Required: true,
		},
		cli.StringFlag{
			Name:     "leader",
			Usage:    "identity handle of the leader",
			Required: true,
		},
		cli.StringFlag{
			Name:  "description",
			Usage: "description of the group",
		},
	)
	sub.SetAction(builder.MakeAction(createAction{}))

	sub = cmd.SetSubCommand("show")
	sub.SetDescription("print a group by identifier or by name")
	sub.SetFlags(
		cli.StringFlag{
			Name:  "id",
			Usage: "identifier of the group",
		},
		cli.StringFlag{
			Name:  "name",
			Usage: "name of the group",
		},
	)
	sub.SetAction(builder.MakeAction(showAction{}))
}

// OnStart implements node.Initializer. It starts the listener of the group
// authorization events.
func (controller) OnStart(flags cli.Flags, inj node.Injector) error {
	var cfg *config.Config

	err := inj.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	var groups store.GroupStore

	err = inj.Resolve(&groups)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	var client chain.Client

	err = inj.Resolve(&client)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	opts := []listener.SourceOption{
		listener.WithBackoffMax(cfg.Listener.BackoffMax.Std()),
	}

	if cfg.Listener.FromBlock > 0 {
		opts = append(opts, listener.WithFromBlock(cfg.Listener.FromBlock))
	}

	source := listener.NewChainSource(client, common.HexToAddress(cfg.Chain.GroupContract), opts...)

	l := listener.NewListener(source, listener.NewConsumer(groups),
		listener.WithRetryInterval(cfg.Listener.RetryInterval.Std()))
	l.Start()

	inj.Inject(l)

	return nil
}

// OnStop implements node.Initializer. It stops the listener.
func (controller) OnStop(inj node.Injector) error {
	var l *listener.Listener

	err := inj.Resolve(&l)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	l.Stop()

	return nil
}

// Package controller implements the initializer running the ballot scheduler
// in the daemon, and the ballot commands.
package controller

import (
	"time"

	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/core/lifecycle"
	"go.dedis.ch/ballot/core/store"
	"golang.org/x/xerrors"
)

const actionTimeout = 2 * time.Minute

// controller is the initializer of the scheduler and the registrar.
//
// - implements node.Initializer
type controller struct{}

// NewController returns the initializer of the ballot lifecycle. It expects
// the configuration, the store and the chain to be injected.
func NewController() node.Initializer {
	return controller{}
}

// SetCommands implements node.Initializer. It defines the ballot commands.
func (controller) SetCommands(builder node.Builder) {
	id := cli.StringFlag{
		Name:     "id",
		Usage:    "identifier of the ballot",
		Required: true,
	}

	cmd := builder.SetCommand("ballot")
	cmd.SetDescription("manage the ballots")

	sub := cmd.SetSubCommand("register")
	sub.SetDescription("anchor a new ballot on the chain and store it")
	sub.SetFlags(
		cli.StringFlag{
			Name:     "title",
			Usage:    "title of the ballot",
			Required: true,
		},
		cli.StringFlag{
			Name:  "content",
			Usage: "description of the ballot",
		},
		cli.StringFlag{
			Name:  "kind",
			Usage: "VOTE or SURVEY",
			Value: "VOTE",
		},
		cli.StringFlag{
			Name:     "owner",
			Usage:    "identity handle of the owner",
			Required: true,
		},
		cli.StringSliceFlag{
			Name:     "candidate",
			Usage:    "candidate name, in the order of the contract",
			Required: true,
		},
		cli.StringFlag{
			Name:     "start",
			Usage:    "start time (RFC3339)",
			Required: true,
		},
		cli.StringFlag{
			Name:     "finish",
			Usage:    "finish time (RFC3339)",
			Required: true,
		},
		cli.StringFlag{
			Name:  "group",
			Usage: "identifier of the group the ballot is scoped to",
		},
		cli.StringSliceFlag{
			Name:  "eligible",
			Usage: "voter allowed to participate, every member if none",
		},
		cli.BoolFlag{
			Name:  "official",
			Usage: "mark the ballot as official",
		},
		cli.BoolFlag{
			Name:  "reward",
			Usage: "reward the participants",
		},
	)
	sub.SetAction(builder.MakeAction(registerAction{}))

	sub = cmd.SetSubCommand("show")
	sub.SetDescription("print a ballot")
	sub.SetFlags(id)
	sub.SetAction(builder.MakeAction(showAction{}))

	sub = cmd.SetSubCommand("list")
	sub.SetDescription("print the ballots in a status")
	sub.SetFlags(cli.StringFlag{
		Name:  "status",
		Usage: "PENDING, REGISTERED, OPEN or FINISHED",
		Value: "OPEN",
	})
	sub.SetAction(builder.MakeAction(listAction{}))

	sub = cmd.SetSubCommand("result")
	sub.SetDescription("print the tally of a finished ballot")
	sub.SetFlags(id)
	sub.SetAction(builder.MakeAction(resultAction{}))

	sub = cmd.SetSubCommand("run")
	sub.SetDescription("run the scheduler once without waiting for the interval")
	sub.SetAction(builder.MakeAction(runAction{}))
}

// OnStart implements node.Initializer. It starts the scheduler and injects it
// alongside the registrar.
func (controller) OnStart(flags cli.Flags, inj node.Injector) error {
	var cfg *config.Config

	err := inj.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	var st store.BallotStore

	err = inj.Resolve(&st)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	var journal store.IntentStore

	err = inj.Resolve(&journal)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	var contract *ballot.Contract

	err = inj.Resolve(&contract)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	scheduler := lifecycle.NewScheduler(st, contract,
		lifecycle.WithInterval(cfg.Scheduler.Interval.Std()),
		lifecycle.WithWorkers(cfg.Scheduler.Workers),
		lifecycle.WithSaveAttempts(cfg.Scheduler.SaveAttempts),
		lifecycle.WithJournal(journal))

	scheduler.Start()

	inj.Inject(scheduler)
	inj.Inject(lifecycle.NewRegistrar(st, journal, contract))

	return nil
}

// OnStop implements node.Initializer. It stops the scheduler.
func (controller) OnStop(inj node.Injector) error {
	var scheduler *lifecycle.Scheduler

	err := inj.Resolve(&scheduler)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	scheduler.Stop()

	return nil
}

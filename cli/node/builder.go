// This file contains the implementation of a CLI builder.

package node

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	urfave "github.com/urfave/cli/v2"
	"go.dedis.ch/ballot"
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/ucli"
	"golang.org/x/xerrors"
)

// CLIBuilder is an application builder that will build a CLI to start and
// control the daemon.
//
// - implements node.Builder
// - implements cli.Builder
type CLIBuilder struct {
	cli.Builder

	daemonFactory DaemonFactory
	injector      Injector
	actions       *actionMap
	startFlags    []cli.Flag
	inits         []Initializer
	writer        io.Writer

	// In production, the daemon is stopped via SIGTERM. In case of testing, the
	// channel will be closed instead, because of instability.
	enableSignal bool
	sigs         chan os.Signal
}

// NewBuilder returns a new empty builder.
func NewBuilder(inits ...Initializer) *CLIBuilder {
	return NewBuilderWithCfg(nil, nil, inits...)
}

// NewBuilderWithCfg returns a new empty builder with specific configurations.
func NewBuilderWithCfg(sigs chan os.Signal, out io.Writer, inits ...Initializer) *CLIBuilder {
	if out == nil {
		out = os.Stdout
	}

	enabled := false

	if sigs == nil {
		sigs = make(chan os.Signal, 1)
		enabled = true
	}

	injector := NewInjector()

	actions := &actionMap{}

	factory := socketFactory{
		injector: injector,
		actions:  actions,
		out:      out,
	}

	builder := ucli.NewBuilder(AppName, nil,
		cli.StringFlag{
			Name:    "config",
			Usage:   "path to the folder of the daemon socket and database",
			Value:   DefaultConfigDir,
			EnvVars: []string{"BALLOTD_CONFIG"},
		},
		cli.StringFlag{
			Name:    "log-level",
			Usage:   "minimum level of the logs (trace, debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"BALLOTD_LOG_LEVEL"},
		},
	)

	builder.(*ucli.Builder).SetUsage("ledger-anchored anonymous ballots", Version)
	builder.(*ucli.Builder).SetBefore(setLogLevel)

	return &CLIBuilder{
		Builder:       builder,
		injector:      injector,
		actions:       actions,
		daemonFactory: factory,
		enableSignal:  enabled,
		sigs:          sigs,
		inits:         inits,
		writer:        out,
	}
}

func setLogLevel(flags cli.Flags) error {
	level, err := zerolog.ParseLevel(flags.String("log-level"))
	if err != nil {
		return xerrors.Errorf("invalid log level: %v", err)
	}

	ballot.Logger = ballot.Logger.Level(level)

	return nil
}

// SetStartFlags implements node.Builder. It appends the given flags to the list
// of flags that will be used to create the start command.
func (b *CLIBuilder) SetStartFlags(flags ...cli.Flag) {
	b.startFlags = append(b.startFlags, flags...)
}

// MakeAction implements node.Builder. It creates a CLI action from the
// template.
func (b *CLIBuilder) MakeAction(tmpl ActionTemplate) cli.Action {
	index := b.actions.Set(tmpl)

	return func(c cli.Flags) error {
		client, err := b.daemonFactory.ClientFromContext(c)
		if err != nil {
			return xerrors.Errorf("couldn't make client: %v", err)
		}

		// The action on the daemon reads the same flags as the command.
		fset := make(FlagSet)
		for _, ctx := range c.(*urfave.Context).Lineage() {
			if ctx.Command != nil {
				collectFlags(fset, ctx.Command.Flags, ctx)
			}
			if ctx.App != nil {
				collectFlags(fset, ctx.App.Flags, ctx)
			}
		}

		req, err := encodeRequest(index, fset)
		if err != nil {
			return err
		}

		err = client.Send(req)
		if err != nil {
			return xerrors.Opaque(err)
		}

		return nil
	}
}

// encodeRequest returns the index of the action on two bytes, little-endian,
// followed by the JSON flags.
func encodeRequest(index uint16, fset FlagSet) ([]byte, error) {
	buf, err := json.Marshal(fset)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal flag set: %v", err)
	}

	req := make([]byte, 2, 2+len(buf))
	binary.LittleEndian.PutUint16(req, index)

	return append(req, buf...), nil
}

// collectFlags copies the values of the flags defined at one level of the
// command. A flag of a subcommand shadows a global flag of the same name
// because the lineage starts with the closest command.
func collectFlags(fset FlagSet, flags []urfave.Flag, ctx *urfave.Context) {
	set := fset.StringSlice(setKey)

	for _, flag := range flags {
		names := flag.Names()
		if len(names) == 0 {
			continue
		}

		name := names[0]

		_, found := fset[name]
		if found {
			continue
		}

		value := ctx.Value(name)

		// The slice flag holds a pointer to its internal state, which is not
		// what JSON should see.
		slice, ok := value.(urfave.StringSlice)
		if ok {
			value = slice.Value()
		}

		fset[name] = value

		if ctx.IsSet(name) {
			set = append(set, name)
		}
	}

	fset[setKey] = set
}

// Build implements node.Builder. It returns the application.
func (b *CLIBuilder) Build() cli.Application {
	for _, controller := range b.inits {
		controller.SetCommands(b)
	}

	cmd := b.SetCommand("start")
	cmd.SetDescription("start the daemon")
	cmd.SetFlags(b.startFlags...)
	cmd.SetAction(b.start)

	return b.Builder.Build()
}

func (b *CLIBuilder) start(flags cli.Flags) error {
	if b.enableSignal {
		signal.Notify(b.sigs, syscall.SIGINT, syscall.SIGTERM)

		defer signal.Stop(b.sigs)
	}

	dir := flags.Path("config")
	if dir != "" {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			return xerrors.Errorf("couldn't make path: %v", err)
		}
	}

	daemon, err := b.daemonFactory.DaemonFromContext(flags)
	if err != nil {
		return xerrors.Errorf("couldn't make daemon: %v", err)
	}

	for i, controller := range b.inits {
		err = controller.OnStart(flags, b.injector)
		if err != nil {
			// The database must be released even when a later component
			// fails.
			b.stopControllers(i)
			return xerrors.Errorf("couldn't run the controller: %v", err)
		}
	}

	// The daemon accepts actions only once every component is running.
	err = daemon.Listen()
	if err != nil {
		b.stopControllers(len(b.inits))
		return xerrors.Errorf("couldn't start the daemon: %v", err)
	}

	ballot.Logger.Info().Str("version", Version).Msg("daemon has started")

	<-b.sigs
	signal.Stop(b.sigs)

	daemon.Close()

	err = b.stopControllers(len(b.inits))
	if err != nil {
		return xerrors.Errorf("couldn't stop controller: %v", err)
	}

	ballot.Logger.Info().Msg("daemon has been stopped")

	return nil
}

// stopControllers stops the n first controllers in reverse order, so that a
// service stops before the storage it uses. Every controller is stopped and
// the first error is returned.
func (b *CLIBuilder) stopControllers(n int) error {
	var first error

	for i := n - 1; i >= 0; i-- {
		err := b.inits[i].OnStop(b.injector)
		if err != nil {
			ballot.Logger.Warn().Err(err).Int("controller", i).Msg("stop failed")

			if first == nil {
				first = err
			}
		}
	}

	return first
}

// ActionMap stores actions and assigns a unique index to each.
type actionMap struct {
	list []ActionTemplate
}

func (m *actionMap) Set(a ActionTemplate) uint16 {
	m.list = append(m.list, a)
	return uint16(len(m.list) - 1)
}

func (m *actionMap) Get(index uint16) ActionTemplate {
	if int(index) >= len(m.list) {
		return nil
	}

	return m.list[index]
}

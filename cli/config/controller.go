package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.dedis.ch/ballot"
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/node"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// DefaultFiles are the names looked up in the folder of the daemon when no
// configuration file is given.
var DefaultFiles = []string{"ballotd.yaml", "ballotd.yml", "ballotd.toml"}

// controller loads the configuration when the daemon starts and injects it
// for the other controllers.
//
// - implements node.Initializer
type controller struct{}

// NewController returns the initializer of the configuration. It must be the
// first of the list so that the configuration is available to the others.
func NewController() node.Initializer {
	return controller{}
}

// SetCommands implements node.Initializer. It defines the flags of the start
// command that override the configuration file.
func (controller) SetCommands(builder node.Builder) {
	builder.SetStartFlags(
		cli.StringFlag{
			Name:  "config-file",
			Usage: "path to a YAML or TOML configuration file",
		},
		cli.StringFlag{
			Name:    "rpc",
			Usage:   "URL of the ledger node",
			EnvVars: []string{"BALLOTD_RPC"},
		},
		cli.StringFlag{
			Name:  "ballot-contract",
			Usage: "address of the ballot contract",
		},
		cli.StringFlag{
			Name:  "identity-contract",
			Usage: "address of the identity contract",
		},
		cli.StringFlag{
			Name:  "group-contract",
			Usage: "address of the contract emitting the group events",
		},
		cli.StringFlag{
			Name:    "account-key",
			Usage:   "path to the key of the ledger account",
			EnvVars: []string{"BALLOTD_ACCOUNT_KEY"},
		},
		cli.DurationFlag{
			Name:  "interval",
			Usage: "interval between two runs of the scheduler",
		},
		cli.IntFlag{
			Name:  "workers",
			Usage: "number of ballots processed concurrently by the scheduler",
		},
		cli.IntFlag{
			Name:  "from-block",
			Usage: "block from which the group events are replayed",
		},
		cli.StringFlag{
			Name:  "blind-strategy",
			Usage: "key signing the blinded messages (global or ballot)",
		},
		cli.StringFlag{
			Name:  "blind-key",
			Usage: "path to the key of the global strategy",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "address of the Prometheus endpoint, disabled if empty",
		},
		cli.BoolFlag{
			Name:  "tracing",
			Usage: "report the contract calls to a Jaeger agent",
		},
	)

	cmd := builder.SetCommand("config")
	cmd.SetDescription("inspect the configuration")

	sub := cmd.SetSubCommand("show")
	sub.SetDescription("print the configuration used by the daemon")
	sub.SetAction(builder.MakeAction(showAction{}))
}

// OnStart implements node.Initializer. It reads the configuration, applies the
// flags, validates the result, and injects it.
func (controller) OnStart(flags cli.Flags, inj node.Injector) error {
	dir := flags.Path("config")

	cfg, source, err := load(dir, flags.Path("config-file"))
	if err != nil {
		return xerrors.Errorf("failed to load configuration: %v", err)
	}

	Override(&cfg, flags)

	err = cfg.Validate()
	if err != nil {
		return xerrors.Errorf("configuration from %s: %w", source, err)
	}

	cfg.Store.Path = Resolve(dir, cfg.Store.Path)
	cfg.Chain.AccountKey = Resolve(dir, cfg.Chain.AccountKey)
	cfg.Blind.KeyPath = Resolve(dir, cfg.Blind.KeyPath)

	ballot.Logger.Info().
		Str("source", source).
		Str("rpc", cfg.Chain.RPC).
		Str("ballot", cfg.Chain.BallotContract).
		Msg("configuration loaded")

	inj.Inject(&cfg)

	return nil
}

// OnStop implements node.Initializer.
func (controller) OnStop(node.Injector) error {
	return nil
}

// Override replaces the values of the configuration by the flags explicitly
// set.
func Override(cfg *Config, flags cli.Flags) {
	str := func(name string, field *string) {
		if flags.IsSet(name) {
			*field = flags.String(name)
		}
	}

	str("rpc", &cfg.Chain.RPC)
	str("ballot-contract", &cfg.Chain.BallotContract)
	str("identity-contract", &cfg.Chain.IdentityContract)
	str("group-contract", &cfg.Chain.GroupContract)
	str("account-key", &cfg.Chain.AccountKey)
	str("blind-strategy", &cfg.Blind.Strategy)
	str("blind-key", &cfg.Blind.KeyPath)
	str("metrics-addr", &cfg.Metrics.Addr)

	if flags.IsSet("interval") {
		cfg.Scheduler.Interval = Duration(flags.Duration("interval"))
	}

	if flags.IsSet("workers") {
		cfg.Scheduler.Workers = flags.Int("workers")
	}

	if flags.IsSet("from-block") {
		cfg.Listener.FromBlock = uint64(flags.Int("from-block"))
	}

	if flags.IsSet("tracing") {
		cfg.Tracing.Enabled = flags.Bool("tracing")
	}
}

func load(dir, file string) (Config, string, error) {
	if file != "" {
		cfg, err := Load(file)
		return cfg, file, err
	}

	for _, name := range DefaultFiles {
		path := filepath.Join(dir, name)

		_, err := os.Stat(path)
		if err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	return Default(), "defaults", nil
}

// showAction is an action to print the configuration of the running daemon.
//
// - implements node.ActionTemplate
type showAction struct{}

// Execute implements node.ActionTemplate. It writes the configuration as YAML.
func (showAction) Execute(ctx node.Context) error {
	var cfg *Config

	err := ctx.Injector.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return xerrors.Errorf("failed to encode configuration: %v", err)
	}

	fmt.Fprint(ctx.Out, string(out))

	return nil
}

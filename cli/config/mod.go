// Package config defines the configuration of the daemon. It is read from a
// YAML or a TOML file, chosen by the extension, and individual values can be
// overridden by the flags of the start command.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/ballot/crypto/blind"
	"go.dedis.ch/ballot/crypto/curve"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// ErrConfiguration is returned when a required value is missing or invalid.
var ErrConfiguration = xerrors.New("invalid configuration")

// Duration is a time.Duration written as a string such as "30s" in the
// configuration files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return xerrors.Errorf("invalid duration '%s': %v", text, err)
	}

	*d = Duration(v)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string

	err := unmarshal(&text)
	if err != nil {
		return err
	}

	return d.UnmarshalText([]byte(text))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Chain is the configuration of the ledger access.
type Chain struct {
	RPC string `yaml:"rpc" toml:"rpc"`

	BallotContract   string `yaml:"ballot_contract" toml:"ballot_contract"`
	IdentityContract string `yaml:"identity_contract" toml:"identity_contract"`

	// GroupContract is the contract emitting the group authorization events.
	GroupContract string `yaml:"group_contract" toml:"group_contract"`

	// AccountKey is the path of the hex-encoded key signing the transactions.
	AccountKey string `yaml:"account_key" toml:"account_key"`

	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	RetryAttempts  int      `yaml:"retry_attempts" toml:"retry_attempts"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// Store is the configuration of the local database.
type Store struct {
	// Path of the database. A relative path is resolved in the folder of the
	// daemon.
	Path string `yaml:"path" toml:"path"`
}

// Scheduler is the configuration of the ballot lifecycle scheduler.
type Scheduler struct {
	Interval     Duration `yaml:"interval" toml:"interval"`
	Workers      int      `yaml:"workers" toml:"workers"`
	SaveAttempts int      `yaml:"save_attempts" toml:"save_attempts"`
}

// Listener is the configuration of the chain event listener.
type Listener struct {
	// FromBlock, when not zero, replays the events from this block before
	// following the new ones.
	FromBlock  uint64   `yaml:"from_block" toml:"from_block"`
	BackoffMax Duration `yaml:"backoff_max" toml:"backoff_max"`

	// RetryInterval is the delay between two attempts on the events that
	// could not be applied to the store.
	RetryInterval Duration `yaml:"retry_interval" toml:"retry_interval"`
}

// Blind is the configuration of the blind signature issuer.
type Blind struct {
	Suite    string   `yaml:"suite" toml:"suite"`
	Strategy string   `yaml:"strategy" toml:"strategy"`
	KeyPath  string   `yaml:"key_path" toml:"key_path"`
	NonceTTL Duration `yaml:"nonce_ttl" toml:"nonce_ttl"`
}

// Metrics is the configuration of the Prometheus endpoint.
type Metrics struct {
	// Addr is the listening address. The endpoint is disabled when empty.
	Addr string `yaml:"addr" toml:"addr"`
	Path string `yaml:"path" toml:"path"`
}

// Tracing is the configuration of the Jaeger tracer. The agent itself is
// configured with the JAEGER_* environment variables.
type Tracing struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Service string `yaml:"service" toml:"service"`
}

// Config is the configuration of the daemon.
type Config struct {
	Chain     Chain     `yaml:"chain" toml:"chain"`
	Store     Store     `yaml:"store" toml:"store"`
	Scheduler Scheduler `yaml:"scheduler" toml:"scheduler"`
	Listener  Listener  `yaml:"listener" toml:"listener"`
	Blind     Blind     `yaml:"blind" toml:"blind"`
	Metrics   Metrics   `yaml:"metrics" toml:"metrics"`
	Tracing   Tracing   `yaml:"tracing" toml:"tracing"`
}

// Default returns the configuration with every optional value set.
func Default() Config {
	return Config{
		Chain: Chain{
			RPC:            "ws://127.0.0.1:8546",
			ConfirmTimeout: Duration(30 * time.Second),
			RetryAttempts:  4,
			PollInterval:   Duration(time.Second),
		},
		Store: Store{
			Path: "ballot.db",
		},
		Scheduler: Scheduler{
			Interval:     Duration(5 * time.Minute),
			Workers:      4,
			SaveAttempts: 3,
		},
		Listener: Listener{
			BackoffMax:    Duration(30 * time.Second),
			RetryInterval: Duration(30 * time.Second),
		},
		Blind: Blind{
			Suite:    "secp256k1",
			Strategy: "ballot",
			NonceTTL: Duration(10 * time.Minute),
		},
		Metrics: Metrics{
			Path: "/metrics",
		},
		Tracing: Tracing{
			Service: "ballotd",
		},
	}
}

// Load reads the file on top of the default configuration. The format is
// TOML for the .toml extension, and YAML otherwise.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Errorf("failed to read config: %v", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	default:
		err = yaml.UnmarshalStrict(data, &cfg)
	}

	if err != nil {
		return cfg, xerrors.Errorf("failed to decode %s: %v", path, err)
	}

	return cfg, nil
}

// Validate returns an error wrapping ErrConfiguration for the first value
// missing or invalid.
func (c Config) Validate() error {
	if c.Chain.RPC == "" {
		return invalid("chain.rpc is missing")
	}

	contracts := []struct {
		name  string
		value string
	}{
		{"chain.ballot_contract", c.Chain.BallotContract},
		{"chain.identity_contract", c.Chain.IdentityContract},
		{"chain.group_contract", c.Chain.GroupContract},
	}

	for _, contract := range contracts {
		if !common.IsHexAddress(contract.value) {
			return invalid("%s '%s' is not an address", contract.name, contract.value)
		}
	}

	if c.Chain.AccountKey == "" {
		return invalid("chain.account_key is missing")
	}

	if c.Chain.ConfirmTimeout <= 0 {
		return invalid("chain.confirm_timeout must be positive")
	}

	if c.Store.Path == "" {
		return invalid("store.path is missing")
	}

	if c.Scheduler.Interval <= 0 {
		return invalid("scheduler.interval must be positive")
	}

	if c.Scheduler.Workers <= 0 {
		return invalid("scheduler.workers must be positive")
	}

	_, err := curve.Find(c.Blind.Suite)
	if err != nil {
		return invalid("blind.suite: %v", err)
	}

	strategy, err := blind.ParseStrategy(c.Blind.Strategy)
	if err != nil {
		return invalid("blind.strategy: %v", err)
	}

	switch strategy {
	case blind.GlobalKey:
		if c.Blind.KeyPath == "" {
			return invalid("blind.key_path is required by the global strategy")
		}
	case blind.PerBallotKey:
		// Owner keys are generated on the curve of the ledger accounts.
		if c.Blind.Suite != curve.Secp256k1().Name() {
			return invalid("blind.suite must be %s with the ballot strategy",
				curve.Secp256k1().Name())
		}
	}

	if c.Blind.NonceTTL <= 0 {
		return invalid("blind.nonce_ttl must be positive")
	}

	return nil
}

// Strategy returns the parsed key strategy. The configuration must be valid.
func (c Config) Strategy() blind.KeyStrategy {
	strategy, _ := blind.ParseStrategy(c.Blind.Strategy)
	return strategy
}

// Suite returns the blind signature suite. The configuration must be valid.
func (c Config) Suite() curve.Suite {
	suite, err := curve.Find(c.Blind.Suite)
	if err != nil {
		return curve.Secp256k1()
	}

	return suite
}

// Resolve returns the path relative to the folder of the daemon, unless it is
// absolute.
func Resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(dir, path)
}

func invalid(format string, args ...interface{}) error {
	return xerrors.Errorf("%w: "+format, append([]interface{}{ErrConfiguration}, args...)...)
}

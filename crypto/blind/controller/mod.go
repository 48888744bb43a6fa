// Package controller implements the initializer of the blind signature issuer
// and the commands to request nonces and signatures from the daemon.
package controller

import (
	"context"

	"go.dedis.ch/ballot"
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"go.dedis.ch/ballot/crypto/blind"
	"go.dedis.ch/ballot/crypto/loader"
	"golang.org/x/xerrors"
)

// ErrNotOpen is returned when the key of a ballot is requested to sign while
// the ballot does not accept votes.
var ErrNotOpen = xerrors.New("ballot is not open")

// ErrNotRegistered is returned when the public key of a ballot is requested
// before the chain accepted it.
var ErrNotRegistered = xerrors.New("ballot is not registered")

// controller is the initializer of the signer and the nonce pool.
//
// - implements node.Initializer
type controller struct{}

// NewController returns the initializer of the blind signature issuer. It
// expects the configuration and, for the per-ballot strategy, the ballot store
// to be injected.
func NewController() node.Initializer {
	return controller{}
}

// SetCommands implements node.Initializer. It defines the blind signature
// commands.
func (controller) SetCommands(builder node.Builder) {
	ballotFlag := cli.StringFlag{
		Name:  "ballot",
		Usage: "identifier of the ballot, ignored by the global strategy",
	}

	cmd := builder.SetCommand("blind")
	cmd.SetDescription("issue blind signatures")

	sub := cmd.SetSubCommand("pubkey")
	sub.SetDescription("print the public key that signs the ballot")
	sub.SetFlags(ballotFlag)
	sub.SetAction(builder.MakeAction(pubkeyAction{}))

	sub = cmd.SetSubCommand("commit")
	sub.SetDescription("draw a signing nonce and print its identifier and commitment")
	sub.SetAction(builder.MakeAction(commitAction{}))

	sub = cmd.SetSubCommand("sign")
	sub.SetDescription("sign a blinded message with a committed nonce")
	sub.SetFlags(
		ballotFlag,
		cli.StringFlag{
			Name:     "blinded",
			Usage:    "hexadecimal encoding of the blinded message",
			Required: true,
		},
		cli.StringFlag{
			Name:     "nonce",
			Usage:    "identifier returned by the commit command",
			Required: true,
		},
	)
	sub.SetAction(builder.MakeAction(signAction{}))

	sub = cmd.SetSubCommand("verify")
	sub.SetDescription("verify an unblinded signature")
	sub.SetFlags(
		ballotFlag,
		cli.StringFlag{
			Name:     "message",
			Usage:    "message that was signed",
			Required: true,
		},
		cli.StringFlag{
			Name:     "signature",
			Usage:    "hexadecimal encoding of the scalar of the signature",
			Required: true,
		},
		cli.StringFlag{
			Name:     "point",
			Usage:    "hexadecimal encoding of the point of the signature",
			Required: true,
		},
	)
	sub.SetAction(builder.MakeAction(verifyAction{}))
}

// OnStart implements node.Initializer. It creates the signer with the key of
// the configured strategy and injects it with a nonce pool.
func (controller) OnStart(flags cli.Flags, inj node.Injector) error {
	var cfg *config.Config

	err := inj.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	suite := cfg.Suite()
	strategy := cfg.Strategy()

	var opt blind.SignerOption

	switch strategy {
	case blind.GlobalKey:
		gen := loader.ScalarGenerator{Suite: suite}

		key, err := loader.NewFileLoader(cfg.Blind.KeyPath).LoadOrCreate(gen)
		if err != nil {
			return xerrors.Errorf("failed to load signing key: %v", err)
		}

		opt = blind.WithGlobalKey(key)
	default:
		var ballots store.BallotStore

		err = inj.Resolve(&ballots)
		if err != nil {
			return xerrors.Errorf("injector: %v", err)
		}

		opt = blind.WithKeySource(keySource{store: ballots})
	}

	signer, err := blind.NewSigner(suite, strategy, opt)
	if err != nil {
		return xerrors.Errorf("failed to create signer: %w", err)
	}

	inj.Inject(signer)
	inj.Inject(blind.NewNoncePool(suite, cfg.Blind.NonceTTL.Std()))

	ballot.Logger.Info().
		Str("suite", suite.Name()).
		Stringer("strategy", strategy).
		Msg("blind signer ready")

	return nil
}

// OnStop implements node.Initializer.
func (controller) OnStop(node.Injector) error {
	return nil
}

// keySource resolves the key of the owner of a ballot from the store. The key
// signs only while the ballot is open. The public key stays available once the
// ballot is registered so that the signatures can be verified after the end.
//
// - implements blind.KeySource
type keySource struct {
	store store.BallotStore
}

// BallotKey implements blind.KeySource.
func (s keySource) BallotKey(_ context.Context, id types.ID, usage blind.KeyUsage) ([]byte, error) {
	b, err := s.store.GetBallot(id)
	if err != nil {
		return nil, xerrors.Errorf("failed to read ballot: %w", err)
	}

	if usage == blind.UsageSign && b.Status != types.StatusOpen {
		return nil, xerrors.Errorf("%w: %s", ErrNotOpen, b.Status)
	}

	if b.Status == types.StatusPending {
		return nil, xerrors.Errorf("%w: %s", ErrNotRegistered, b.Status)
	}

	if len(b.OwnerKey) == 0 {
		return nil, xerrors.Errorf("%w: ballot has no owner key", blind.ErrConfiguration)
	}

	return b.OwnerKey, nil
}

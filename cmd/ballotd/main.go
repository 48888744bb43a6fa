// Package main implements the ballot daemon and the commands to interact with
// it.
//
//  ballotd --config ~/.ballotd account new --path ~/.ballotd/account.key
//  ballotd --config ~/.ballotd start --rpc ws://127.0.0.1:8546\
//    --ballot-contract 0x.. --identity-contract 0x.. --group-contract 0x..
//  ballotd --config ~/.ballotd ballot register --title "Parking lot"\
//    --owner alice@example.org --candidate yes --candidate no\
//    --start 2026-01-01T10:00:00Z --finish 2026-01-02T10:00:00Z
//  ballotd --config ~/.ballotd blind commit
//
package main

import (
	"fmt"
	"io"
	"os"

	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	chain "go.dedis.ch/ballot/core/chain/controller"
	lifecycle "go.dedis.ch/ballot/core/lifecycle/controller"
	listener "go.dedis.ch/ballot/core/listener/controller"
	kv "go.dedis.ch/ballot/core/store/kv/controller"
	blind "go.dedis.ch/ballot/crypto/blind/controller"
	metrics "go.dedis.ch/ballot/metrics/controller"
)

func main() {
	err := run(os.Args, os.Stderr)
	if err != nil {
		os.Exit(1)
	}
}

func run(args []string, errOut io.Writer) error {
	app := newBuilder().Build()

	err := app.Run(args)
	if err != nil {
		fmt.Fprintf(errOut, "%+v\n", err)
		return err
	}

	return nil
}

// newBuilder returns the builder of the daemon. The order matters: the
// configuration comes first and the controllers are stopped in reverse order.
func newBuilder() *node.CLIBuilder {
	return node.NewBuilder(
		config.NewController(),
		kv.NewController(),
		chain.NewController(),
		lifecycle.NewController(),
		listener.NewController(),
		blind.NewController(),
		metrics.NewController(),
	)
}

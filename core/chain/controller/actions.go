package controller

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/contracts/identity"
	"go.dedis.ch/ballot/core/chain"
	"go.dedis.ch/ballot/crypto/loader"
	"golang.org/x/xerrors"
)

// registerAction is an action to register an identity handle.
//
// - implements node.ActionTemplate
type registerAction struct{}

// Execute implements node.ActionTemplate.
func (registerAction) Execute(req node.Context) error {
	registry, err := getRegistry(req.Injector)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	handle := req.Flags.String("handle")

	err = registry.Register(ctx, handle)
	if err != nil {
		return err
	}

	fmt.Fprintf(req.Out, "registered %s", handle)

	return nil
}

// removeAction is an action to remove an identity handle.
//
// - implements node.ActionTemplate
type removeAction struct{}

// Execute implements node.ActionTemplate.
func (removeAction) Execute(req node.Context) error {
	registry, err := getRegistry(req.Injector)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	handle := req.Flags.String("handle")

	err = registry.Remove(ctx, handle)
	if err != nil {
		return err
	}

	fmt.Fprintf(req.Out, "removed %s", handle)

	return nil
}

// lookupAction is an action to print the identity of a handle.
//
// - implements node.ActionTemplate
type lookupAction struct{}

// Execute implements node.ActionTemplate.
func (lookupAction) Execute(req node.Context) error {
	registry, err := getRegistry(req.Injector)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	handle := req.Flags.String("handle")

	id, found, err := registry.Lookup(ctx, handle)
	if err != nil {
		return err
	}

	if !found {
		fmt.Fprintf(req.Out, "%s: not registered", handle)
		return nil
	}

	fmt.Fprintf(req.Out, "%s: %s", handle, id)

	return nil
}

// showAction is an action to print the account and the contracts used by the
// daemon.
//
// - implements node.ActionTemplate
type showAction struct{}

// Execute implements node.ActionTemplate.
func (showAction) Execute(req node.Context) error {
	var account *chain.Account

	err := req.Injector.Resolve(&account)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	var contract *ballot.Contract

	err = req.Injector.Resolve(&contract)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	registry, err := getRegistry(req.Injector)
	if err != nil {
		return err
	}

	fmt.Fprintf(req.Out, "account: %s\nballot: %s\nidentity: %s",
		account, contract.Address().Hex(), registry)

	return nil
}

// newAccount is executed on the CLI process as it does not need the daemon. It
// keeps an existing key so that an account is never lost by mistake.
func newAccount(flags cli.Flags) error {
	path := flags.Path("path")

	key, err := loader.NewFileLoader(path).LoadOrCreate(loader.AccountGenerator{})
	if err != nil {
		return xerrors.Errorf("failed to create account key: %v", err)
	}

	privkey, err := crypto.ToECDSA(key)
	if err != nil {
		return xerrors.Errorf("invalid account key in %s: %v", path, err)
	}

	fmt.Printf("account %s stored in %s\n", chain.NewAccount(privkey), path)

	return nil
}

func getRegistry(inj node.Injector) (*identity.Registry, error) {
	var registry *identity.Registry

	err := inj.Resolve(&registry)
	if err != nil {
		return nil, xerrors.Errorf("injector: %v", err)
	}

	return registry, nil
}

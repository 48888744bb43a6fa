// Package controller implements the initializer opening the local database of
// ballots and groups.
package controller

import (
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/core/store/kv"
	"golang.org/x/xerrors"
)

// controller opens the database when the daemon starts and closes it when it
// stops.
//
// - implements node.Initializer
type controller struct{}

// NewController returns the initializer of the database.
func NewController() node.Initializer {
	return controller{}
}

// SetCommands implements node.Initializer.
func (controller) SetCommands(node.Builder) {}

// OnStart implements node.Initializer. It opens the database at the path of
// the configuration and injects it.
func (controller) OnStart(flags cli.Flags, inj node.Injector) error {
	var cfg *config.Config

	err := inj.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	db, err := kv.New(cfg.Store.Path)
	if err != nil {
		return xerrors.Errorf("db: %v", err)
	}

	inj.Inject(db)

	return nil
}

// OnStop implements node.Initializer. It closes the database.
func (controller) OnStop(inj node.Injector) error {
	var db *kv.DB

	err := inj.Resolve(&db)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	err = db.Close()
	if err != nil {
		return xerrors.Errorf("while closing db: %v", err)
	}

	return nil
}

package controller

import (
	"fmt"

	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"golang.org/x/xerrors"
)

// createAction is an action to store a new group. The group stays PENDING
// until the chain emits its authorization.
//
// - implements node.ActionTemplate
type createAction struct{}

// Execute implements node.ActionTemplate.
func (createAction) Execute(req node.Context) error {
	groups, err := getStore(req.Injector)
	if err != nil {
		return err
	}

	g := types.Group{
		ID:          types.NewID(),
		Name:        req.Flags.String("name"),
		Leader:      req.Flags.String("leader"),
		Description: req.Flags.String("description"),
		Status:      types.GroupPending,
	}

	err = groups.SaveGroup(g)
	if err != nil {
		return xerrors.Errorf("failed to save group: %w", err)
	}

	fmt.Fprintf(req.Out, "group %s created", g.ID)

	return nil
}

// showAction is an action to print a group.
//
// - implements node.ActionTemplate
type showAction struct{}

// Execute implements node.ActionTemplate.
func (showAction) Execute(req node.Context) error {
	groups, err := getStore(req.Injector)
	if err != nil {
		return err
	}

	var g types.Group

	switch {
	case req.Flags.String("id") != "":
		id, err := types.ParseID(req.Flags.String("id"))
		if err != nil {
			return err
		}

		g, err = groups.GetGroup(id)
		if err != nil {
			return xerrors.Errorf("failed to read group: %w", err)
		}
	case req.Flags.String("name") != "":
		g, err = groups.GroupByName(req.Flags.String("name"))
		if err != nil {
			return xerrors.Errorf("failed to read group: %w", err)
		}
	default:
		return xerrors.New("either --id or --name is required")
	}

	fmt.Fprintf(req.Out, "id: %s\nname: %s\nleader: %s\nstatus: %s\nmembers: %d",
		g.ID, g.Name, g.Leader, g.Status, g.Members)

	return nil
}

func getStore(inj node.Injector) (store.GroupStore, error) {
	var groups store.GroupStore

	err := inj.Resolve(&groups)
	if err != nil {
		return nil, xerrors.Errorf("injector: %v", err)
	}

	return groups, nil
}

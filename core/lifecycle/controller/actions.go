package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/contracts/ballot"
	"go.dedis.ch/ballot/core/lifecycle"
	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"golang.org/x/xerrors"
)

// registerAction is an action to register a new ballot.
//
// - implements node.ActionTemplate
type registerAction struct{}

// Execute implements node.ActionTemplate. It builds the ballot from the flags
// and registers it.
func (registerAction) Execute(req node.Context) error {
	var registrar *lifecycle.Registrar

	err := req.Injector.Resolve(&registrar)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	b, err := ballotFromFlags(req.Flags)
	if err != nil {
		return xerrors.Errorf("invalid flags: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	b, err = registrar.Register(ctx, b)

	var unconfirmed *ballot.Unconfirmed
	if xerrors.As(err, &unconfirmed) {
		fmt.Fprintf(req.Out, "ballot %s pending, waiting for transaction %s",
			b.ID, unconfirmed.Hash.Hex())
		return nil
	}

	if err != nil {
		return err
	}

	fmt.Fprintf(req.Out, "ballot %s registered", b.ID)

	return nil
}

// showAction is an action to print a ballot.
//
// - implements node.ActionTemplate
type showAction struct{}

// Execute implements node.ActionTemplate.
func (showAction) Execute(req node.Context) error {
	b, err := getBallot(req)
	if err != nil {
		return err
	}

	fmt.Fprintf(req.Out, "id: %s\ntitle: %s\nkind: %s\nstatus: %s\nstart: %s\n"+
		"finish: %s\ncandidates: %s\nparticipants: %d",
		b.ID, b.Title, b.Kind, b.Status,
		b.StartTime.UTC().Format(time.RFC3339), b.FinishTime.UTC().Format(time.RFC3339),
		strings.Join(b.Candidates, ", "), b.Participants)

	return nil
}

// listAction is an action to print the ballots in a status.
//
// - implements node.ActionTemplate
type listAction struct{}

// Execute implements node.ActionTemplate.
func (listAction) Execute(req node.Context) error {
	st, err := getStore(req.Injector)
	if err != nil {
		return err
	}

	status := types.Status(strings.ToUpper(req.Flags.String("status")))
	if !status.Valid() {
		return xerrors.Errorf("unknown status '%s'", status)
	}

	ballots, err := st.BallotsByStatus(status)
	if err != nil {
		return xerrors.Errorf("failed to list ballots: %v", err)
	}

	lines := make([]string, len(ballots))
	for i, b := range ballots {
		lines[i] = fmt.Sprintf("%s %s %s", b.ID, b.Status, b.Title)
	}

	fmt.Fprint(req.Out, strings.Join(lines, "\n"))

	return nil
}

// resultAction is an action to print the tally of a ballot.
//
// - implements node.ActionTemplate
type resultAction struct{}

// Execute implements node.ActionTemplate.
func (resultAction) Execute(req node.Context) error {
	b, err := getBallot(req)
	if err != nil {
		return err
	}

	if b.Results == nil {
		fmt.Fprintf(req.Out, "ballot %s has no result yet (%s)", b.ID, b.Status)
		return nil
	}

	lines := make([]string, len(b.Results))
	for i, count := range b.Results {
		name := fmt.Sprintf("#%d", i)
		if i < len(b.Candidates) {
			name = b.Candidates[i]
		}

		lines[i] = fmt.Sprintf("%s: %d", name, count)
	}

	fmt.Fprint(req.Out, strings.Join(lines, "\n"))

	return nil
}

// runAction is an action to run the scheduler immediately.
//
// - implements node.ActionTemplate
type runAction struct{}

// Execute implements node.ActionTemplate. It prints the report of the run.
func (runAction) Execute(req node.Context) error {
	var scheduler *lifecycle.Scheduler

	err := req.Injector.Resolve(&scheduler)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	report, err := scheduler.Run(ctx)
	if err != nil {
		return xerrors.Errorf("run failed: %v", err)
	}

	fmt.Fprintf(req.Out, "committed=%d confirmed=%d closed=%d opened=%d tallied=%d failed=%d",
		report.Committed, report.Confirmed, report.Closed, report.Opened,
		report.Tallied, report.Failed)

	return nil
}

func ballotFromFlags(flags cli.Flags) (types.Ballot, error) {
	start, err := time.Parse(time.RFC3339, flags.String("start"))
	if err != nil {
		return types.Ballot{}, xerrors.Errorf("start: %v", err)
	}

	finish, err := time.Parse(time.RFC3339, flags.String("finish"))
	if err != nil {
		return types.Ballot{}, xerrors.Errorf("finish: %v", err)
	}

	kind := types.Kind(strings.ToUpper(flags.String("kind")))
	if kind != types.KindVote && kind != types.KindSurvey {
		return types.Ballot{}, xerrors.Errorf("unknown kind '%s'", kind)
	}

	b := types.Ballot{
		Kind:       kind,
		Title:      flags.String("title"),
		Content:    flags.String("content"),
		Owner:      flags.String("owner"),
		StartTime:  start,
		FinishTime: finish,
		Candidates: flags.StringSlice("candidate"),
		Eligible:   flags.StringSlice("eligible"),
		Official:   flags.Bool("official"),
		Reward:     flags.Bool("reward"),
	}

	group := flags.String("group")
	if group != "" {
		id, err := types.ParseID(group)
		if err != nil {
			return types.Ballot{}, xerrors.Errorf("group: %v", err)
		}

		b.GroupScoped = true
		b.GroupID = &id
	}

	return b, nil
}

func getBallot(req node.Context) (types.Ballot, error) {
	st, err := getStore(req.Injector)
	if err != nil {
		return types.Ballot{}, err
	}

	id, err := types.ParseID(req.Flags.String("id"))
	if err != nil {
		return types.Ballot{}, err
	}

	b, err := st.GetBallot(id)
	if err != nil {
		return types.Ballot{}, xerrors.Errorf("failed to read ballot: %w", err)
	}

	return b, nil
}

func getStore(inj node.Injector) (store.BallotStore, error) {
	var st store.BallotStore

	err := inj.Resolve(&st)
	if err != nil {
		return nil, xerrors.Errorf("injector: %v", err)
	}

	return st, nil
}

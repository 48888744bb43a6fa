// Package store defines the persistence primitives of ballots and groups.
//
// The storage technology is left to the implementations. The scheduler and
// the listener only rely on these interfaces.
package store

import (
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/ballot/core/types"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = xerrors.New("not found")

// ErrDuplicateName is returned when a group name is already taken.
var ErrDuplicateName = xerrors.New("duplicate name")

// BallotStore is the interface to load and save ballot records.
type BallotStore interface {
	// GetBallot returns the ballot with the identifier, or ErrNotFound.
	GetBallot(id types.ID) (types.Ballot, error)

	// BallotsByStatus returns every ballot in the given status.
	BallotsByStatus(status types.Status) ([]types.Ballot, error)

	// SaveBallot inserts or replaces the ballot.
	SaveBallot(b types.Ballot) error

	// DeleteBallot removes the ballot. It is a no-op when it does not exist.
	DeleteBallot(id types.ID) error
}

// GroupStore is the interface to load and save group records.
type GroupStore interface {
	// GetGroup returns the group with the identifier, or ErrNotFound.
	GetGroup(id types.ID) (types.Group, error)

	// GroupByName returns the group with the name, or ErrNotFound.
	GroupByName(name string) (types.Group, error)

	// GroupsByStatus returns every group in the given status.
	GroupsByStatus(status types.GroupStatus) ([]types.Group, error)

	// SaveGroup inserts or replaces the group. It returns ErrDuplicateName if
	// another group already uses the name.
	SaveGroup(g types.Group) error

	// DeleteGroup removes the group. It is a no-op when it does not exist.
	DeleteGroup(id types.ID) error
}

// Intent is a ballot transition known by the chain but not committed in the
// ballot store yet. A zero hash means the chain acknowledged the transition,
// otherwise the transaction was broadcast and its receipt is still expected.
type Intent struct {
	BallotID types.ID
	Target   types.Status
	Hash     common.Hash
}

// Acknowledged returns true when the chain confirmed the transition.
func (i Intent) Acknowledged() bool {
	return i.Hash == (common.Hash{})
}

// IntentStore is the journal of the transitions to commit. It survives a
// restart so that a chain call is never issued twice for a transition.
type IntentStore interface {
	// SaveIntent inserts or replaces the intent of the ballot.
	SaveIntent(i Intent) error

	// Intents returns every intent of the journal.
	Intents() ([]Intent, error)

	// DeleteIntent removes the intent of the ballot. It is a no-op when it
	// does not exist.
	DeleteIntent(id types.ID) error
}

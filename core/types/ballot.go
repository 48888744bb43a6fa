// Package types defines the entities shared by the ballot components.
package types

import (
	"encoding/hex"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// ID is the 12-byte identifier of a ballot or a group.
type ID = xid.ID

// NewID returns a fresh identifier.
func NewID() ID {
	return xid.New()
}

// ParseID decodes the string form of an identifier.
func ParseID(s string) (ID, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return ID{}, xerrors.Errorf("invalid id '%s': %v", s, err)
	}

	return id, nil
}

// Status is the lifecycle state of a ballot.
type Status string

const (
	// StatusPending is the state of a ballot not yet anchored on the chain.
	StatusPending Status = "PENDING"
	// StatusRegistered is the state once the chain accepted the ballot.
	StatusRegistered Status = "REGISTERED"
	// StatusOpen is the state while votes are accepted.
	StatusOpen Status = "OPEN"
	// StatusFinished is the terminal state.
	StatusFinished Status = "FINISHED"
)

var statusOrder = map[Status]int{
	StatusPending:    0,
	StatusRegistered: 1,
	StatusOpen:       2,
	StatusFinished:   3,
}

// Valid returns true if the status is known.
func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// CanAdvanceTo returns true when next is the single step after the status.
func (s Status) CanAdvanceTo(next Status) bool {
	cur, ok := statusOrder[s]
	if !ok {
		return false
	}

	nxt, ok := statusOrder[next]

	return ok && nxt == cur+1
}

// Kind distinguishes votes from surveys.
type Kind string

const (
	// KindVote is a ballot with candidates.
	KindVote Kind = "VOTE"
	// KindSurvey is a ballot with questions.
	KindSurvey Kind = "SURVEY"
)

// SecretKey is a private scalar. Its textual forms are redacted so that it
// never leaks through logs or formatted errors.
type SecretKey []byte

// String implements fmt.Stringer.
func (SecretKey) String() string {
	return "[redacted]"
}

// GoString implements fmt.GoStringer.
func (SecretKey) GoString() string {
	return "[redacted]"
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (k SecretKey) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("set", len(k) > 0)
}

// Hex returns the hexadecimal encoding of the key. It must only be used by
// the persistence layer.
func (k SecretKey) Hex() string {
	return hex.EncodeToString(k)
}

// Ballot is a vote or a survey with a time-bounded lifecycle.
type Ballot struct {
	ID          ID
	Kind        Kind
	Title       string
	Content     string
	GroupScoped bool
	GroupID     *ID
	Owner       string
	OwnerKey    SecretKey
	StartTime   time.Time
	FinishTime  time.Time
	Status      Status
	Candidates  []string
	// Eligible is the list of voters allowed to participate. Nil means
	// every member of the group is eligible.
	Eligible     []string
	Participants uint64
	Reward       bool
	Official     bool
	Results      []uint64
}

// Validate checks the static invariants of the ballot.
func (b Ballot) Validate() error {
	if b.ID.IsNil() {
		return xerrors.New("missing identifier")
	}

	if !b.Status.Valid() {
		return xerrors.Errorf("unknown status '%s'", b.Status)
	}

	if !b.FinishTime.After(b.StartTime) {
		return xerrors.Errorf("finish time %v must be after start time %v",
			b.FinishTime, b.StartTime)
	}

	if len(b.Candidates) == 0 {
		return xerrors.New("no candidate")
	}

	if b.GroupScoped && b.GroupID == nil {
		return xerrors.New("group-scoped ballot without group")
	}

	return nil
}

// Advance moves the ballot to the next status, or returns an error if the
// transition would skip or regress a step.
func (b *Ballot) Advance(next Status) error {
	if !b.Status.CanAdvanceTo(next) {
		return xerrors.Errorf("invalid transition %s -> %s", b.Status, next)
	}

	b.Status = next

	return nil
}

// OpenDue returns true if the ballot is registered and its start time is
// reached.
func (b Ballot) OpenDue(now time.Time) bool {
	return b.Status == StatusRegistered && !now.Before(b.StartTime)
}

// CloseDue returns true if the ballot is open and its finish time is reached.
func (b Ballot) CloseDue(now time.Time) bool {
	return b.Status == StatusOpen && !now.Before(b.FinishTime)
}

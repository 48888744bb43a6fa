package types

// GroupStatus is the state of a group.
type GroupStatus string

const (
	// GroupPending is the state of a group waiting for its on-chain
	// authorization.
	GroupPending GroupStatus = "PENDING"
	// GroupAlive is the state of an authorized group.
	GroupAlive GroupStatus = "ALIVE"
	// GroupDeleted is set by moderation.
	GroupDeleted GroupStatus = "DELETED"
	// GroupReported is set by moderation.
	GroupReported GroupStatus = "REPORTED"
)

// Group is a set of voters led by an identity.
type Group struct {
	ID          ID
	Name        string
	Leader      string
	Status      GroupStatus
	Description string
	Members     uint64
	Media       []string
}

// Authorize marks the group alive. It returns false when nothing changed,
// either because the group is already alive or because moderation removed
// it.
func (g *Group) Authorize() bool {
	if g.Status != GroupPending {
		return false
	}

	g.Status = GroupAlive

	return true
}

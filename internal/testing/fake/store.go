package fake

import (
	"sort"
	"sync"

	"go.dedis.ch/ballot/core/store"
	"go.dedis.ch/ballot/core/types"
	"golang.org/x/xerrors"
)

// BallotStore is an in-memory implementation of a ballot store.
//
// - implements store.BallotStore
type BallotStore struct {
	sync.Mutex

	ballots map[types.ID]types.Ballot

	// FailSaves is the number of next saves that will fail.
	FailSaves int

	ErrSave error
	ErrGet  error
	ErrList error

	Saves *Call
}

// NewBallotStore returns a store populated with the ballots.
func NewBallotStore(ballots ...types.Ballot) *BallotStore {
	s := &BallotStore{
		ballots: make(map[types.ID]types.Ballot),
		Saves:   &Call{},
	}

	for _, b := range ballots {
		s.ballots[b.ID] = b
	}

	return s
}

// NewBadBallotStore returns a store that fails every request.
func NewBadBallotStore() *BallotStore {
	s := NewBallotStore()
	s.ErrSave = fakeErr
	s.ErrGet = fakeErr
	s.ErrList = fakeErr

	return s
}

// GetBallot implements store.BallotStore.
func (s *BallotStore) GetBallot(id types.ID) (types.Ballot, error) {
	s.Lock()
	defer s.Unlock()

	if s.ErrGet != nil {
		return types.Ballot{}, s.ErrGet
	}

	b, found := s.ballots[id]
	if !found {
		return types.Ballot{}, xerrors.Errorf("ballot %s: %w", id, store.ErrNotFound)
	}

	return b, nil
}

// BallotsByStatus implements store.BallotStore. The ballots are sorted by
// identifier.
func (s *BallotStore) BallotsByStatus(status types.Status) ([]types.Ballot, error) {
	s.Lock()
	defer s.Unlock()

	if s.ErrList != nil {
		return nil, s.ErrList
	}

	var res []types.Ballot

	for _, b := range s.ballots {
		if b.Status == status {
			res = append(res, b)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].ID.String() < res[j].ID.String()
	})

	return res, nil
}

// SaveBallot implements store.BallotStore.
func (s *BallotStore) SaveBallot(b types.Ballot) error {
	s.Lock()
	defer s.Unlock()

	s.Saves.Add(b)

	if s.FailSaves > 0 {
		s.FailSaves--
		return fakeErr
	}

	if s.ErrSave != nil {
		return s.ErrSave
	}

	s.ballots[b.ID] = b

	return nil
}

// DeleteBallot implements store.BallotStore.
func (s *BallotStore) DeleteBallot(id types.ID) error {
	s.Lock()
	delete(s.ballots, id)
	s.Unlock()

	return nil
}

// Len returns the number of ballots in the store.
func (s *BallotStore) Len() int {
	s.Lock()
	defer s.Unlock()

	return len(s.ballots)
}

// GroupStore is an in-memory implementation of a group store.
//
// - implements store.GroupStore
type GroupStore struct {
	sync.Mutex

	groups map[types.ID]types.Group

	// FailSaves is the number of next saves that will fail.
	FailSaves int

	ErrSave error
	ErrGet  error

	Saves *Call
}

// NewGroupStore returns a store populated with the groups.
func NewGroupStore(groups ...types.Group) *GroupStore {
	s := &GroupStore{
		groups: make(map[types.ID]types.Group),
		Saves:  &Call{},
	}

	for _, g := range groups {
		s.groups[g.ID] = g
	}

	return s
}

// GetGroup implements store.GroupStore.
func (s *GroupStore) GetGroup(id types.ID) (types.Group, error) {
	s.Lock()
	defer s.Unlock()

	if s.ErrGet != nil {
		return types.Group{}, s.ErrGet
	}

	g, found := s.groups[id]
	if !found {
		return types.Group{}, xerrors.Errorf("group %s: %w", id, store.ErrNotFound)
	}

	return g, nil
}

// GroupByName implements store.GroupStore.
func (s *GroupStore) GroupByName(name string) (types.Group, error) {
	s.Lock()
	defer s.Unlock()

	for _, g := range s.groups {
		if g.Name == name {
			return g, nil
		}
	}

	return types.Group{}, xerrors.Errorf("group '%s': %w", name, store.ErrNotFound)
}

// GroupsByStatus implements store.GroupStore.
func (s *GroupStore) GroupsByStatus(status types.GroupStatus) ([]types.Group, error) {
	s.Lock()
	defer s.Unlock()

	var res []types.Group

	for _, g := range s.groups {
		if g.Status == status {
			res = append(res, g)
		}
	}

	return res, nil
}

// SaveGroup implements store.GroupStore.
func (s *GroupStore) SaveGroup(g types.Group) error {
	s.Lock()
	defer s.Unlock()

	s.Saves.Add(g)

	if s.FailSaves > 0 {
		s.FailSaves--
		return fakeErr
	}

	if s.ErrSave != nil {
		return s.ErrSave
	}

	for _, other := range s.groups {
		if other.Name == g.Name && other.ID != g.ID {
			return store.ErrDuplicateName
		}
	}

	s.groups[g.ID] = g

	return nil
}

// DeleteGroup implements store.GroupStore.
func (s *GroupStore) DeleteGroup(id types.ID) error {
	s.Lock()
	delete(s.groups, id)
	s.Unlock()

	return nil
}

// IntentStore is an in-memory journal of intents.
//
// - implements store.IntentStore
type IntentStore struct {
	sync.Mutex

	intents map[types.ID]store.Intent

	ErrSave   error
	ErrList   error
	ErrDelete error
}

// NewIntentStore returns a journal populated with the intents.
func NewIntentStore(intents ...store.Intent) *IntentStore {
	s := &IntentStore{
		intents: make(map[types.ID]store.Intent),
	}

	for _, i := range intents {
		s.intents[i.BallotID] = i
	}

	return s
}

// SaveIntent implements store.IntentStore.
func (s *IntentStore) SaveIntent(i store.Intent) error {
	s.Lock()
	defer s.Unlock()

	if s.ErrSave != nil {
		return s.ErrSave
	}

	s.intents[i.BallotID] = i

	return nil
}

// Intents implements store.IntentStore. The intents are sorted by ballot
// identifier.
func (s *IntentStore) Intents() ([]store.Intent, error) {
	s.Lock()
	defer s.Unlock()

	if s.ErrList != nil {
		return nil, s.ErrList
	}

	res := make([]store.Intent, 0, len(s.intents))
	for _, i := range s.intents {
		res = append(res, i)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].BallotID.String() < res[j].BallotID.String()
	})

	return res, nil
}

// DeleteIntent implements store.IntentStore.
func (s *IntentStore) DeleteIntent(id types.ID) error {
	s.Lock()
	defer s.Unlock()

	if s.ErrDelete != nil {
		return s.ErrDelete
	}

	delete(s.intents, id)

	return nil
}

// Get returns the intent of the ballot if any.
func (s *IntentStore) Get(id types.ID) (store.Intent, bool) {
	s.Lock()
	defer s.Unlock()

	i, found := s.intents[id]

	return i, found
}

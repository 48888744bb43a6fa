package types

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatus_CanAdvanceTo(t *testing.T) {
	require.True(t, StatusPending.CanAdvanceTo(StatusRegistered))
	require.True(t, StatusRegistered.CanAdvanceTo(StatusOpen))
	require.True(t, StatusOpen.CanAdvanceTo(StatusFinished))

	require.False(t, StatusRegistered.CanAdvanceTo(StatusFinished))
	require.False(t, StatusOpen.CanAdvanceTo(StatusRegistered))
	require.False(t, StatusFinished.CanAdvanceTo(StatusFinished))
	require.False(t, StatusFinished.CanAdvanceTo(StatusOpen))
	require.False(t, Status("fake").CanAdvanceTo(StatusOpen))
	require.False(t, StatusOpen.CanAdvanceTo(Status("fake")))
}

func TestBallot_Advance_Monotonic(t *testing.T) {
	all := []Status{StatusPending, StatusRegistered, StatusOpen, StatusFinished}
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		b := Ballot{Status: StatusRegistered}
		prev := statusOrder[b.Status]

		for j := 0; j < 10; j++ {
			err := b.Advance(all[rnd.Intn(len(all))])
			cur := statusOrder[b.Status]

			if err == nil {
				require.Equal(t, prev+1, cur)
			} else {
				require.Equal(t, prev, cur)
			}

			prev = cur
		}

		if b.Status == StatusFinished {
			for _, s := range all {
				require.Error(t, b.Advance(s))
			}
		}
	}
}

func TestBallot_Validate(t *testing.T) {
	now := time.Now()

	b := Ballot{}
	require.EqualError(t, b.Validate(), "missing identifier")

	b.ID = NewID()
	require.EqualError(t, b.Validate(), "unknown status ''")

	b.Status = StatusPending
	b.StartTime = now
	b.FinishTime = now
	require.Error(t, b.Validate())

	b.FinishTime = now.Add(time.Hour)
	require.EqualError(t, b.Validate(), "no candidate")

	b.Candidates = []string{"a", "b"}
	b.GroupScoped = true
	require.EqualError(t, b.Validate(), "group-scoped ballot without group")

	gid := NewID()
	b.GroupID = &gid
	require.NoError(t, b.Validate())
}

func TestBallot_Due(t *testing.T) {
	now := time.Now()

	b := Ballot{Status: StatusOpen, StartTime: now.Add(-time.Hour), FinishTime: now}
	require.True(t, b.CloseDue(now))
	require.False(t, b.OpenDue(now))

	b.FinishTime = now.Add(time.Millisecond)
	require.False(t, b.CloseDue(now))

	b.Status = StatusRegistered
	b.StartTime = now
	require.True(t, b.OpenDue(now))
	require.False(t, b.OpenDue(now.Add(-time.Millisecond)))
}

func TestSecretKey_Redacted(t *testing.T) {
	key := SecretKey{0xaa, 0xbb}

	require.Equal(t, "[redacted]", key.String())
	require.Equal(t, "[redacted] [redacted]", fmt.Sprintf("%v %#v", key, key))
	require.Equal(t, "aabb", key.Hex())
}

func TestParseID(t *testing.T) {
	id := NewID()

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseID("nope")
	require.Error(t, err)
}

func TestGroup_Authorize(t *testing.T) {
	g := Group{Status: GroupPending}
	require.True(t, g.Authorize())
	require.Equal(t, GroupAlive, g.Status)
	require.False(t, g.Authorize())
	require.Equal(t, GroupAlive, g.Status)

	g.Status = GroupDeleted
	require.False(t, g.Authorize())
	require.Equal(t, GroupDeleted, g.Status)
}

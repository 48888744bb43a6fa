package node

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlagSet_Getters(t *testing.T) {
	fset := FlagSet{
		"ballot":    "cn8f2tq4",
		"config":    "/var/lib/ballotd",
		"candidate": []string{"yes", "no"},
		"interval":  time.Minute,
		"workers":   4,
		"dry":       true,
	}

	require.Equal(t, "cn8f2tq4", fset.String("ballot"))
	require.Equal(t, "/var/lib/ballotd", fset.Path("config"))
	require.Equal(t, []string{"yes", "no"}, fset.StringSlice("candidate"))
	require.Equal(t, time.Minute, fset.Duration("interval"))
	require.Equal(t, 4, fset.Int("workers"))
	require.True(t, fset.Bool("dry"))
}

func TestFlagSet_WrongType(t *testing.T) {
	fset := FlagSet{"value": struct{}{}}

	require.Equal(t, "", fset.String("value"))
	require.Equal(t, "", fset.Path("value"))
	require.Nil(t, fset.StringSlice("value"))
	require.Equal(t, time.Duration(0), fset.Duration("value"))
	require.Equal(t, 0, fset.Int("value"))
	require.False(t, fset.Bool("value"))

	require.Equal(t, "", fset.String("missing"))
	require.Equal(t, 0, fset.Int("missing"))
}

func TestFlagSet_JSON(t *testing.T) {
	in := FlagSet{
		"candidate": []string{"yes", "no"},
		"interval":  90 * time.Second,
		"workers":   4,
		"dry":       true,
		setKey:      []string{"workers"},
	}

	buf, err := json.Marshal(in)
	require.NoError(t, err)

	out := make(FlagSet)
	require.NoError(t, json.Unmarshal(buf, &out))

	require.Equal(t, []string{"yes", "no"}, out.StringSlice("candidate"))
	require.Equal(t, 90*time.Second, out.Duration("interval"))
	require.Equal(t, 4, out.Int("workers"))
	require.True(t, out.Bool("dry"))

	require.True(t, out.IsSet("workers"))
	require.False(t, out.IsSet("dry"))
	require.False(t, make(FlagSet).IsSet("workers"))
}

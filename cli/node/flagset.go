package node

import (
	"time"
)

// setKey is the entry of the flag set listing the flags explicitly set.
const setKey = "__set"

// FlagSet holds the flags of a command on their way to the daemon. Values are
// read back after a JSON round trip, which turns numbers into floats and
// slices into slices of interfaces, so the getters accept both forms.
//
// - implements cli.Flags
type FlagSet map[string]interface{}

// String implements cli.Flags. It returns an empty string when the flag is not
// a string.
func (fset FlagSet) String(name string) string {
	v, _ := fset[name].(string)
	return v
}

// Path implements cli.Flags. Paths are strings.
func (fset FlagSet) Path(name string) string {
	return fset.String(name)
}

// StringSlice implements cli.Flags. It returns nil when the flag is not a
// slice.
func (fset FlagSet) StringSlice(name string) []string {
	switch v := fset[name].(type) {
	case []string:
		return v
	case []interface{}:
		values := make([]string, len(v))
		for i, elem := range v {
			values[i], _ = elem.(string)
		}

		return values
	default:
		return nil
	}
}

// Duration implements cli.Flags. A duration travels as its number of
// nanoseconds.
func (fset FlagSet) Duration(name string) time.Duration {
	d, ok := fset[name].(time.Duration)
	if ok {
		return d
	}

	return time.Duration(fset.number(name))
}

// Int implements cli.Flags.
func (fset FlagSet) Int(name string) int {
	i, ok := fset[name].(int)
	if ok {
		return i
	}

	return int(fset.number(name))
}

// Bool implements cli.Flags.
func (fset FlagSet) Bool(name string) bool {
	v, _ := fset[name].(bool)
	return v
}

// IsSet implements cli.Flags. It returns true if the flag was explicitly set
// on the command line or by an environment variable.
func (fset FlagSet) IsSet(name string) bool {
	for _, set := range fset.StringSlice(setKey) {
		if set == name {
			return true
		}
	}

	return false
}

// number returns the value of a flag decoded from JSON, or zero.
func (fset FlagSet) number(name string) float64 {
	v, _ := fset[name].(float64)
	return v
}

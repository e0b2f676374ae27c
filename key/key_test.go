package key_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/badu/keymapper/key"
)

func TestParseRoundTripsNamedKeys(t *testing.T) {
	for _, k := range []key.Key{
		key.A, key.Z, key.LeftShift, key.RightMeta, key.MouseButton5,
		key.WheelUp, key.F12, key.Num0,
	} {
		got, ok := key.Parse(k.String())
		assert.Assert(t, ok)
		assert.Equal(t, got, k)
	}
}

func TestParseSyntheticForms(t *testing.T) {
	cases := []struct {
		name string
		want key.Key
	}{
		{"timeout", key.Timeout},
		{"Any", key.Any},
		{"ContextActive", key.ContextActive},
		{"Virtual0", key.Virtual(0)},
		{"Virtual12", key.Virtual(12)},
		{"Action3", key.Action(3)},
	}
	for _, c := range cases {
		got, ok := key.Parse(c.name)
		assert.Assert(t, ok, c.name)
		assert.Equal(t, got, c.want, c.name)
	}
}

func TestParseUnknown(t *testing.T) {
	_, ok := key.Parse("NotAKey")
	assert.Assert(t, !ok)

	_, ok = key.Parse("Virtual-1")
	assert.Assert(t, !ok)
}

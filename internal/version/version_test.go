package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want Ordering
	}{
		{"2.9.3", "2.55.1", Less},
		{"3.0.0", "2.55.1", Greater},
		{"1.2.3", "1.2.3", Equal},
		{"1.2.3-rc.1", "1.2.3", Equal},
		{"v1.10.0", "1.9.9", Greater},
		{"0.0.1", "0.0.2", Less},
	}
	for _, tt := range tests {
		got, err := CompareStrings(tt.a, tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "compare(%s, %s)", tt.a, tt.b)
	}
}

func TestParse(t *testing.T) {
	v, err := Parse("node_exporter, version 1.7.0 (branch: HEAD, revision: 7333465a)")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 1, Minor: 7, Patch: 0}, v)

	v, err = Parse("v2.48.0-rc.0")
	require.NoError(t, err)
	assert.Equal(t, "rc.0", v.Pre)
	assert.Equal(t, "2.48.0-rc.0", v.String())
	assert.Equal(t, "2.48.0", v.Core())

	v, err = Parse("1.2.3-rc.01")
	require.NoError(t, err)
	assert.Equal(t, "rc.01", v.Pre)
	assert.Equal(t, Equal, Compare(v, MustParse("1.2.3")))

	v, err = Parse("10.02.3")
	require.NoError(t, err)
	assert.Equal(t, "10.2.3", v.String())
	assert.Equal(t, Greater, Compare(v, MustParse("9.99.99")))

	for _, bad := range []string{"", "garbage", "1.2", "version unknown"} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		current, target string
		want            Change
	}{
		{"1.9.0", "2.0.0", ChangeMajor},
		{"2.9.3", "2.55.1", ChangeMinor},
		{"2.9.3", "2.9.4", ChangePatch},
		{"2.9.3", "2.9.3", ChangePatch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(MustParse(tt.current), MustParse(tt.target)), "%s -> %s", tt.current, tt.target)
	}
}

func TestOrderingString(t *testing.T) {
	assert.Equal(t, "less", Less.String())
	assert.Equal(t, "equal", Equal.String())
	assert.Equal(t, "greater", Greater.String())
}

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.10", "1.9", 1},
		{"2.0", "2.x", 0},
		{"2.x", "2.0", 0},
		{"2.x", "3.5.1", -1},
		{"2.x", "2.5.1", 0},
		{"3.5.1", "2.x", 1},
		{"1", "1.0", -1},
		{"1.0.1", "1.0", 1},
		{"1", "1.x", 0},
		{"1.x.x", "1", 0},
		{"1.0a", "1.0b", -1},
		{"1.beta", "1.alpha", 1},
		{"", "1", -1},
		{"1.2.3", "1.2.10", -1},
	}

	for _, tt := range tests {
		assert.Equalf(t, tt.want, Compare(tt.a, tt.b), "Compare(%q, %q)", tt.a, tt.b)
	}
}

func TestCompareIsAntisymmetric(t *testing.T) {
	versions := []string{"", "0", "1", "1.0", "1.0.0", "1.1", "1.10", "1.9", "2", "a", "1.a", "1.b", "10.0.1", "1.0-rc1"}
	for _, a := range versions {
		assert.Equal(t, 0, Compare(a, a), a)
		for _, b := range versions {
			assert.Equalf(t, -Compare(b, a), Compare(a, b), "Compare(%q, %q)", a, b)
		}
	}
}

func TestLessGreater(t *testing.T) {
	assert.True(t, Less("1.0", "1.1"))
	assert.False(t, Less("1.x", "1.1"))
	assert.True(t, Greater("1.1", "1.0"))
	assert.False(t, Greater("1.0", "1.0"))
}

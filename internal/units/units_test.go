package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		value float64
		unit  string
		want  float64
	}{
		{2, "PH/s", 2000},
		{2, "ph/s", 2000},
		{1500, "GH/s", 1.5},
		{1, "TH/s", 1},
		{1, "EH/s", 1e6},
		{1, "ZH/s", 1e9},
		{1, "H/s", 1e-12},
		{500, "KH/s", 5e-7},
		{3, "MH/s", 3e-6},
	}
	for _, c := range cases {
		assert.InEpsilon(t, c.want, Normalize(c.value, c.unit), 1e-9, "%v %s", c.value, c.unit)
	}
}

func TestNormalizeVariants(t *testing.T) {
	assert.Equal(t, 1000.0, Normalize(1, " Ph/s "))
	assert.Equal(t, 1000.0, Normalize(1, "PHS"))
	assert.Equal(t, 1.0, Normalize(1, "th"))
}

func TestNormalizeUnknownUnitFallsBack(t *testing.T) {
	// Unknown units pass the value through unchanged.
	assert.Equal(t, 42.0, Normalize(42, "bogons/s"))

	// A missing unit string must not be mistaken for H/s.
	assert.Equal(t, 7.0, Normalize(7, ""))
	assert.Equal(t, 7.0, Normalize(7, "   "))
}

func TestNormalizeNonFinite(t *testing.T) {
	assert.Equal(t, 0.0, Normalize(math.NaN(), "TH/s"))
	assert.Equal(t, 0.0, Normalize(math.Inf(1), "PH/s"))
	assert.Equal(t, 0.0, Normalize(math.Inf(-1), "GH/s"))
}

func TestNormalizeMonotonic(t *testing.T) {
	// Same numeric value in a larger unit must never normalize smaller.
	order := []string{"H/s", "KH/s", "MH/s", "GH/s", "TH/s", "PH/s", "EH/s", "ZH/s"}
	prev := 0.0
	for _, u := range order {
		v := Normalize(5, u)
		assert.Greater(t, v, prev, "unit %s", u)
		prev = v
	}
}

func TestFormat(t *testing.T) {
	v, u := Format(0.5)
	assert.Equal(t, "GH/s", u)
	assert.InEpsilon(t, 500.0, v, 1e-9)

	v, u = Format(1234)
	assert.Equal(t, "PH/s", u)
	assert.InEpsilon(t, 1.234, v, 1e-9)

	v, u = Format(0)
	assert.Equal(t, "TH/s", u)
	assert.Equal(t, 0.0, v)
}

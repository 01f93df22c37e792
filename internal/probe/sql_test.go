package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsFloat64(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"float64", float64(1.5), 1.5, true},
		{"float32", float32(2), 2, true},
		{"int64", int64(3), 3, true},
		{"int", 4, 4, true},
		{"bytes", []byte("5.5"), 5.5, true},
		{"string", "6", 6, true},
		{"non-numeric string", "abc", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := asFloat64(c.in)
			assert.Equal(t, c.ok, ok)
			if ok {
				assert.Equal(t, c.want, got)
			}
		})
	}
}

func TestNormalizeSQLValue(t *testing.T) {
	assert.Equal(t, "hi", normalizeSQLValue([]byte("hi")))
	assert.Equal(t, int64(7), normalizeSQLValue(int64(7)))
	assert.Nil(t, normalizeSQLValue(nil))
}

package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortedKeys(t *testing.T) {
	input := map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mango": 3,
	}

	out, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mango":3,"zebra":1}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]interface{}{
		"cmd": "a < b && c > d",
	}

	out, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"a < b && c > d"}`, string(out))
}

func TestJCS_NestedDeterminism(t *testing.T) {
	type inner struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	type outer struct {
		Z inner    `json:"z"`
		Y []string `json:"y"`
	}

	v := outer{Z: inner{B: "2", A: "1"}, Y: []string{"x", "y"}}

	first, err := JCS(v)
	require.NoError(t, err)
	second, err := JCS(v)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, `{"y":["x","y"],"z":{"a":"1","b":"2"}}`, string(first))
}

func TestCanonicalHash_Stable(t *testing.T) {
	v := map[string]interface{}{"k": "v", "n": 42}

	h1, err := CanonicalHash(v)
	require.NoError(t, err)
	h2, err := CanonicalHash(v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("candidate"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashBytes([]byte("candidate")))
	assert.NotEqual(t, h, HashBytes([]byte("candidate2")))
}

package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{"c": 3, "a": 1, "b": 2}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"cmd": "a<b && c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"a<b && c>d"}`, string(b))
}

func TestJCS_StructTags(t *testing.T) {
	type item struct {
		Path  string `json:"path"`
		Bytes int64  `json:"bytes"`
	}
	b, err := JCS([]item{{Path: "out/a.txt", Bytes: 12}})
	require.NoError(t, err)
	assert.Equal(t, `[{"bytes":12,"path":"out/a.txt"}]`, string(b))
}

func TestCanonicalHash_OrderIndependentKeys(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": []int{1, 2}})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"b": []int{1, 2}, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestPrefixedHash(t *testing.T) {
	assert.Equal(t,
		"sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		PrefixedHash(nil))
}

func TestNormalizeText(t *testing.T) {
	decomposed := "cafe\u0301"
	assert.Equal(t, "caf\u00e9", NormalizeText(decomposed))
}

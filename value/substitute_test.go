package value

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTokens(t *testing.T) {
	toks, err := FindTokens("prefix ${task1.a.b} mid ${task2[0]} suffix")
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, "task1", toks[0].TaskID)
	assert.Equal(t, []PathSegment{{Field: "a", Index: -1}, {Field: "b", Index: -1}}, toks[0].Path)
	assert.Equal(t, "task2", toks[1].TaskID)
	assert.Equal(t, []PathSegment{{Index: 0}}, toks[1].Path)
}

func TestFindTokensUnterminated(t *testing.T) {
	_, err := FindTokens("${task1.a")
	require.Error(t, err)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
}

func TestSubstituteRawValuePreserved(t *testing.T) {
	root := Mapping(map[string]Value{"count": Number(42)})
	v := String("${task1.count}")
	out, err := Substitute(v, func(id string) (Value, bool) {
		require.Equal(t, "task1", id)
		return root, true
	})
	require.NoError(t, err)
	n, ok := out.AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(42), n)
}

func TestSubstituteMixedTextSplices(t *testing.T) {
	root := Mapping(map[string]Value{"count": Number(42)})
	v := String("total: ${task1.count} items")
	out, err := Substitute(v, func(string) (Value, bool) { return root, true })
	require.NoError(t, err)
	s, ok := out.AsString()
	require.True(t, ok)
	assert.Equal(t, "total: 42 items", s)
}

func TestSubstituteUnresolvedReference(t *testing.T) {
	v := String("${unknown.x}")
	_, err := Substitute(v, func(string) (Value, bool) { return Value{}, false })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedReference))
}

func TestResolvePathNotFound(t *testing.T) {
	root := Mapping(map[string]Value{"a": Number(1)})
	tok := Token{TaskID: "t1", Path: []PathSegment{{Field: "missing", Index: -1}}, Raw: "${t1.missing}"}
	_, err := ResolvePath(tok, root)
	var pnf *PathNotFoundError
	require.True(t, errors.As(err, &pnf))
	assert.Equal(t, []string{"a"}, pnf.AvailableKeys)
}

func TestValidateSyntaxRejectsMalformed(t *testing.T) {
	v := Mapping(map[string]Value{"x": String("${bad")})
	err := ValidateSyntax(v)
	require.Error(t, err)
}

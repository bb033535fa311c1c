package pmod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKwInt(t *testing.T) {
	v, err := KwInt(map[string]any{}, "interval", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	// The three sources: config (int), gateway JSON (float64), CLI
	// (string).
	for _, raw := range []any{25, float64(25), "25", " 25 "} {
		v, err = KwInt(map[string]any{"interval": raw}, "interval", 10)
		require.NoError(t, err, "raw %#v", raw)
		assert.Equal(t, 25, v, "raw %#v", raw)
	}

	_, err = KwInt(map[string]any{"interval": 25.5}, "interval", 10)
	require.ErrorContains(t, err, "not an integer")
	_, err = KwInt(map[string]any{"interval": "soon"}, "interval", 10)
	require.Error(t, err)
	_, err = KwInt(map[string]any{"interval": []byte("25")}, "interval", 10)
	require.ErrorContains(t, err, "want int")
}

func TestKwFloat(t *testing.T) {
	v, err := KwFloat(map[string]any{}, "latitude", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	for _, raw := range []any{53.5, float32(53.5), "53.5"} {
		v, err = KwFloat(map[string]any{"latitude": raw}, "latitude", 0)
		require.NoError(t, err, "raw %#v", raw)
		assert.InDelta(t, 53.5, v, 1e-6, "raw %#v", raw)
	}
	v, err = KwFloat(map[string]any{"latitude": 53}, "latitude", 0)
	require.NoError(t, err)
	assert.Equal(t, 53.0, v)

	_, err = KwFloat(map[string]any{"latitude": "north"}, "latitude", 0)
	require.Error(t, err)
	_, err = KwFloat(map[string]any{"latitude": true}, "latitude", 0)
	require.ErrorContains(t, err, "want float")
}

func TestKwString(t *testing.T) {
	v, err := KwString(map[string]any{}, "phone", "none")
	require.NoError(t, err)
	assert.Equal(t, "none", v)

	v, err = KwString(map[string]any{"phone": "0123456789"}, "phone", "")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", v)

	// Scalars from YAML come through stringified.
	v, err = KwString(map[string]any{"phone": 123}, "phone", "")
	require.NoError(t, err)
	assert.Equal(t, "123", v)

	_, err = KwString(map[string]any{"phone": []int{1}}, "phone", "")
	require.ErrorContains(t, err, "want string")
}

func TestKwIntList(t *testing.T) {
	def := []int{0, 0, 0}
	v, err := KwIntList(map[string]any{}, "alarms", def, 3)
	require.NoError(t, err)
	assert.Equal(t, def, v)

	for _, raw := range []any{
		[]int{1, 2, 3},
		[]any{float64(1), float64(2), float64(3)},
		[]string{"1", "2", "3"},
		"1, 2,3",
	} {
		v, err = KwIntList(map[string]any{"alarms": raw}, "alarms", def, 3)
		require.NoError(t, err, "raw %#v", raw)
		assert.Equal(t, []int{1, 2, 3}, v, "raw %#v", raw)
	}

	_, err = KwIntList(map[string]any{"alarms": "1,2"}, "alarms", def, 3)
	require.ErrorContains(t, err, "want 3 elements, got 2")
	_, err = KwIntList(map[string]any{"alarms": []any{1.0, 2.5, 3.0}}, "alarms", def, 3)
	require.ErrorContains(t, err, "not an integer")
	_, err = KwIntList(map[string]any{"alarms": 7}, "alarms", def, 3)
	require.ErrorContains(t, err, "want list of ints")
}

func TestKwStringList(t *testing.T) {
	def := []string{"", "", ""}
	v, err := KwStringList(map[string]any{}, "phones", def, 3)
	require.NoError(t, err)
	assert.Equal(t, def, v)

	for _, raw := range []any{
		[]string{"01", "02", "03"},
		[]any{"01", "02", "03"},
		"01,02,03",
	} {
		v, err = KwStringList(map[string]any{"phones": raw}, "phones", def, 3)
		require.NoError(t, err, "raw %#v", raw)
		assert.Equal(t, []string{"01", "02", "03"}, v, "raw %#v", raw)
	}

	// Non-string elements are stringified, matching YAML scalars.
	v, err = KwStringList(map[string]any{"phones": []any{"01", 2, "03"}}, "phones", def, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "2", "03"}, v)

	_, err = KwStringList(map[string]any{"phones": "01,02"}, "phones", def, 3)
	require.ErrorContains(t, err, "want 3 elements, got 2")
}

func TestUnknownKwargs(t *testing.T) {
	kw := map[string]any{"interval": 25}
	require.NoError(t, UnknownKwargs(kw, "interval", "other"))

	err := UnknownKwargs(map[string]any{"intervall": 25}, "interval")
	require.ErrorContains(t, err, `unexpected keyword "intervall"`)
	require.ErrorContains(t, err, "interval")
}

func TestSplitProto(t *testing.T) {
	prefix, kind := SplitProto("ZX:LOGIN")
	assert.Equal(t, "ZX", prefix)
	assert.Equal(t, "LOGIN", kind)

	prefix, kind = SplitProto("BS")
	assert.Equal(t, "BS", prefix)
	assert.Equal(t, "", kind)

	// Only the first colon splits; device verbs may contain more.
	prefix, kind = SplitProto("BS:A:B")
	assert.Equal(t, "BS", prefix)
	assert.Equal(t, "A:B", kind)
}

func TestRespondKindString(t *testing.T) {
	assert.Equal(t, "NONE", RespondNone.String())
	assert.Equal(t, "INLINE", RespondInline.String())
	assert.Equal(t, "EXTERNAL", RespondExternal.String())
}

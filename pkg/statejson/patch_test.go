package statejson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, EmptyObject, Normalize(nil))
	assert.Equal(t, EmptyObject, Normalize(json.RawMessage("")))
	assert.Equal(t, EmptyObject, Normalize(json.RawMessage("  \n")))
	assert.Equal(t, json.RawMessage(`{"a":1}`), Normalize(json.RawMessage(`{"a":1}`)))
}

func TestComputeApplyRoundtrip(t *testing.T) {
	before := json.RawMessage(`{"count":1,"name":"alpha"}`)
	after := json.RawMessage(`{"count":2,"name":"alpha","extra":true}`)

	patch, err := Compute(before, after)
	require.NoError(t, err)

	result, err := Apply(before, patch)
	require.NoError(t, err)
	assert.JSONEq(t, string(after), string(result))
}

func TestComputeEqualDocuments(t *testing.T) {
	doc := json.RawMessage(`{"a":1}`)
	patch, err := Compute(doc, doc)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`[]`), patch)
}

func TestApplyEmptyPatch(t *testing.T) {
	doc := json.RawMessage(`{"a":1}`)

	out, err := Apply(doc, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	out, err = Apply(doc, json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestApplyNilDocument(t *testing.T) {
	patch, err := Compute(nil, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	out, err := Apply(nil, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestFold(t *testing.T) {
	p1, err := Compute(json.RawMessage(`{}`), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	p2, err := Compute(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	p3, err := Compute(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"a":9,"b":2}`))
	require.NoError(t, err)

	out, err := Fold(nil, []json.RawMessage{p1, p2, p3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":9,"b":2}`, string(out))
}

func TestFoldBadPatch(t *testing.T) {
	_, err := Fold(nil, []json.RawMessage{json.RawMessage(`{"not":"a patch"}`)})
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	t.Run("source keys win", func(t *testing.T) {
		out, err := Merge(json.RawMessage(`{"a":1,"b":1}`), json.RawMessage(`{"b":2,"c":3}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1,"b":2,"c":3}`, string(out))
	})

	t.Run("nil inputs behave as empty objects", func(t *testing.T) {
		out, err := Merge(nil, json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(out))

		out, err = Merge(json.RawMessage(`{"a":1}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(out))
	})

	t.Run("non-object source fails", func(t *testing.T) {
		_, err := Merge(json.RawMessage(`{}`), json.RawMessage(`[1,2]`))
		assert.Error(t, err)
	})
}

func TestNamespace(t *testing.T) {
	out, err := Namespace("result", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{"x":1}}`, string(out))

	out, err = Namespace("page", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":{}}`, string(out))
}

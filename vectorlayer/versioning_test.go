package vectorlayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/VectorLayer/vlschema"
)

var logFields = []vlschema.Field{
	{Key: "a", UUID: "f1", Type: vlschema.Integer, Idx: 1},
	{Key: "b", UUID: "f2", Type: vlschema.String, Idx: 3},
}

func TestDecodeCreate(t *testing.T) {
	l := &Layer{ID: 1}
	op, err := decodeChange(l, logFields, 7, 2, "C", "1101", []byte{1}, []interface{}{int32(5), nil})
	require.NoError(t, err)
	assert.Equal(t, OpCreate, op.Kind)
	assert.Equal(t, int64(7), op.FID)
	assert.Equal(t, 2, op.VID)
	assert.Equal(t, []byte{1}, op.Geom.WKB())
	assert.Equal(t, map[string]interface{}{"a": int64(5)}, op.Fields)

	op, err = decodeChange(l, logFields, 7, 2, "C", "1101", nil, []interface{}{nil, nil})
	require.NoError(t, err)
	assert.False(t, op.Geom.IsSet())
	assert.Empty(t, op.Fields)
}

func TestDecodeUpdateUsesBits(t *testing.T) {
	l := &Layer{ID: 1}
	// 位图 0001：几何和 a 未变，b 被置为NULL
	op, err := decodeChange(l, logFields, 7, 3, "U", "0001", nil, []interface{}{nil, nil})
	require.NoError(t, err)
	assert.False(t, op.Geom.IsSet())
	assert.Equal(t, map[string]interface{}{"b": nil}, op.Fields)

	op, err = decodeChange(l, logFields, 7, 4, "U", "1", nil, []interface{}{nil, nil})
	require.NoError(t, err)
	assert.True(t, op.Geom.IsNull())
	assert.Empty(t, op.Fields)
}

func TestDecodeUnknownOperation(t *testing.T) {
	_, err := decodeChange(&Layer{ID: 1}, logFields, 7, 1, "X", "", nil, []interface{}{nil, nil})
	assert.Error(t, err)

	op, err := decodeChange(&Layer{ID: 1}, logFields, 7, 1, "D", "", nil, []interface{}{nil, nil})
	require.NoError(t, err)
	assert.Equal(t, OpDelete, op.Kind)
	assert.Nil(t, op.Fields)
}

func TestReplay(t *testing.T) {
	state := map[int64]*Feature{}
	Replay(state, Operation{Kind: OpCreate, FID: 1, VID: 1, Geom: GeomFromWKB([]byte{1}),
		Fields: map[string]interface{}{"a": int64(1), "b": "x"}})
	Replay(state, Operation{Kind: OpCreate, FID: 2, VID: 1, Fields: map[string]interface{}{}})
	require.Len(t, state, 2)
	assert.True(t, state[2].Geom.IsNull())

	Replay(state, Operation{Kind: OpUpdate, FID: 1, VID: 2, Fields: map[string]interface{}{"b": nil}})
	assert.Equal(t, map[string]interface{}{"a": int64(1), "b": nil}, state[1].Fields)
	assert.Equal(t, []byte{1}, state[1].Geom.WKB())

	Replay(state, Operation{Kind: OpUpdate, FID: 1, VID: 3, Geom: NullGeom()})
	assert.True(t, state[1].Geom.IsNull())

	Replay(state, Operation{Kind: OpDelete, FID: 1, VID: 4})
	assert.NotContains(t, state, int64(1))

	Replay(state, Operation{Kind: OpRestore, FID: 1, VID: 5, Geom: GeomFromWKB([]byte{2}),
		Fields: map[string]interface{}{"a": int64(9), "b": "y"}})
	require.Contains(t, state, int64(1))
	assert.Equal(t, "y", state[1].Fields["b"])

	// 对不存在的要素的更新被忽略
	Replay(state, Operation{Kind: OpUpdate, FID: 99, VID: 6})
	assert.Len(t, state, 2)
}

package splat

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binaryPLY(t *testing.T, xs []float32, states []uint8) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\ncomment test\n")
	buf.WriteString("element vertex " + strconv.Itoa(len(xs)) + "\n")
	buf.WriteString("property float x\nproperty double opacity\nproperty uchar state\nend_header\n")
	for i, x := range xs {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, x))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, float64(x)*2))
		buf.WriteByte(states[i])
	}
	return buf.Bytes()
}

func TestReadPLY_BinaryLittleEndian(t *testing.T) {
	data := binaryPLY(t, []float32{1, 2, 3}, []uint8{0, uint8(StateSelected), uint8(StateDeleted)})

	ps, err := ReadPLY("scene", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 3, ps.Len())
	assert.Equal(t, []string{"x", "opacity"}, ps.PropertyNames())

	x, ok := ps.Property("x")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, x)

	op, ok := ps.Property("opacity")
	require.True(t, ok)
	assert.Equal(t, []float32{2, 4, 6}, op)

	_, ok = ps.Property("state")
	assert.False(t, ok, "state must not be exposed as a raw property")
	assert.Equal(t, StateSelected, ps.StateAt(1))
	assert.Equal(t, StateDeleted, ps.StateAt(2))
}

func TestReadPLY_ASCII(t *testing.T) {
	src := `ply
format ascii 1.0
element face 1
property uchar flag
element vertex 2
property float x
property float scale_0
end_header
7
0.5 -1
1.5 2
`
	ps, err := ReadPLY("ascii", strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 2, ps.Len())

	s, ok := ps.Property("scale_0")
	require.True(t, ok)
	assert.Equal(t, []float32{-1, 2}, s)
	assert.Equal(t, State(0), ps.StateAt(0))
}

func TestReadPLY_Errors(t *testing.T) {
	cases := map[string]string{
		"magic":     "nope\n",
		"list":      "ply\nformat ascii 1.0\nelement vertex 1\nproperty list uchar int idx\nend_header\n",
		"noVertex":  "ply\nformat ascii 1.0\nelement face 0\nproperty uchar a\nend_header\n",
		"badFormat": "ply\nformat weird 1.0\nend_header\n",
		"truncated": "ply\nformat binary_little_endian 1.0\nelement vertex 4\nproperty float x\nend_header\n\x00\x00",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadPLY(name, strings.NewReader(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_Zstd(t *testing.T) {
	data := binaryPLY(t, []float32{4, 5}, []uint8{0, 0})

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write(data)
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	path := filepath.Join(t.TempDir(), "garden.ply.zst")
	require.NoError(t, os.WriteFile(path, compressed.Bytes(), 0644))

	ps, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "garden", ps.Name())
	assert.Equal(t, 2, ps.Len())

	op, _ := ps.Property("opacity")
	assert.InDelta(t, 10.0, float64(op[1]), 1e-6)
}

func TestPointSet_Totals(t *testing.T) {
	ps := NewPointSet("t", 5)
	require.NoError(t, ps.SetStates([]uint8{
		0,
		uint8(StateSelected),
		uint8(StateHidden),
		uint8(StateHidden | StateSelected),
		uint8(StateDeleted | StateSelected),
	}))

	assert.Equal(t, Totals{Splats: 4, Selected: 2, Hidden: 2, Deleted: 1}, ps.Totals())
}

func TestPointSet_AddPropertyValidation(t *testing.T) {
	ps := NewPointSet("t", 2)
	require.NoError(t, ps.AddProperty("x", []float32{0, 1}))
	assert.ErrorIs(t, ps.AddProperty("x", []float32{0, 1}), ErrDuplicateProperty)
	assert.ErrorIs(t, ps.AddProperty("y", []float32{0}), ErrLengthMismatch)
	assert.Equal(t, StateDeleted, ps.StateAt(5))
}

func TestState_Eligible(t *testing.T) {
	assert.True(t, State(0).Eligible())
	assert.True(t, StateSelected.Eligible())
	assert.False(t, StateHidden.Eligible())
	assert.False(t, (StateHidden | StateSelected).Eligible())
	assert.False(t, StateDeleted.Eligible())
}

package wire

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func roundTrip(t *testing.T, o *Object) *Object {
	t.Helper()
	payload, fds, err := Marshal(o)
	require.NoError(t, err)
	// the transport hands the receiver its own copies of the descriptors
	received := make([]int, 0, len(fds))
	for _, fd := range fds {
		dup, err := dupFd(fd)
		require.NoError(t, err)
		received = append(received, dup)
	}
	out, err := Unmarshal(payload, received)
	require.NoError(t, err)
	return out
}

func TestMarshalScalars(t *testing.T) {
	id := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	assert.Equal(t, TypeNull, roundTrip(t, NewNull()).Type())
	assert.True(t, roundTrip(t, NewBool(true)).Bool())
	assert.Equal(t, int64(math.MinInt64), roundTrip(t, NewInt64(math.MinInt64)).Int64())
	assert.Equal(t, int64(42), roundTrip(t, NewInt64(42)).Int64())

	u := roundTrip(t, NewUint64(0x2d13772f7f30cc5d))
	assert.Equal(t, TypeUint64, u.Type())
	assert.Equal(t, uint64(0x2d13772f7f30cc5d), u.Uint64())

	small := roundTrip(t, NewUint64(1))
	assert.Equal(t, TypeUint64, small.Type(), "uint64 must not collapse into int64")

	d := roundTrip(t, NewDouble(1.5))
	assert.Equal(t, TypeDouble, d.Type())
	assert.Equal(t, 1.5, d.Double())

	nan := math.Float64frombits(0x7ff8000000000123)
	assert.Equal(t, math.Float64bits(nan), math.Float64bits(roundTrip(t, NewDouble(nan)).Double()))

	assert.Equal(t, "hello", roundTrip(t, NewString("hello")).Text())

	empty := roundTrip(t, NewData(nil))
	assert.Equal(t, TypeData, empty.Type())
	assert.Empty(t, empty.Data())

	assert.Equal(t, id, roundTrip(t, NewUUID(id)).UUID())

	date := roundTrip(t, NewDate(-90_000_000_000))
	assert.Equal(t, TypeDate, date.Type())
	assert.Equal(t, int64(-90_000_000_000), date.DateNanos())
}

func TestMarshalContainers(t *testing.T) {
	inner := NewDictionary()
	inner.Set("I", NewInt64(1))
	arr := NewArray()
	arr.Append(NewInt64(1))
	arr.Append(NewString("two"))
	outer := NewDictionary()
	outer.Set("O", inner)
	outer.Set("A", arr)

	out := roundTrip(t, outer)
	require.Equal(t, TypeDictionary, out.Type())
	assert.Equal(t, []string{"A", "O"}, out.Keys())

	gotInner, ok := out.Get("O")
	require.True(t, ok)
	i, ok := gotInner.Get("I")
	require.True(t, ok)
	assert.Equal(t, int64(1), i.Int64())

	gotArr, _ := out.Get("A")
	require.Equal(t, 2, gotArr.Len())
	assert.Equal(t, "two", gotArr.Index(1).Text())
}

func TestMarshalDepthLimit(t *testing.T) {
	root := NewArray()
	cur := root
	for i := 0; i < MaxDepth; i++ {
		next := NewArray()
		cur.Append(next)
		cur = next
	}
	_, _, err := Marshal(root)
	assert.True(t, errors.Is(err, ErrTooDeep), "got %v", err)
}

func TestUnmarshalUnknownTag(t *testing.T) {
	payload, err := cbor.Marshal(map[string]any{
		"k":    cbor.Tag{Number: 99, Content: uint64(1)},
		"big":  uint64(math.MaxUint64),
		"ok":   int64(-7),
		"uuid": cbor.Tag{Number: tagUUID, Content: []byte{1, 2}},
	})
	require.NoError(t, err)

	out, err := Unmarshal(payload, nil)
	require.NoError(t, err)

	k, _ := out.Get("k")
	assert.Equal(t, TypeUnknown, k.Type())
	assert.Equal(t, uint64(99), k.Tag())
	big, _ := out.Get("big")
	assert.Equal(t, TypeUnknown, big.Type())
	short, _ := out.Get("uuid")
	assert.Equal(t, TypeUnknown, short.Type())
	ok, _ := out.Get("ok")
	assert.Equal(t, int64(-7), ok.Int64())
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0x00}, nil)
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestDescriptorCapsule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	capsule, err := NewFd(int(f.Fd()))
	require.NoError(t, err)
	dict := NewDictionary()
	dict.Set("K", capsule)

	out := roundTrip(t, dict)
	dict.Release()

	got, ok := out.Get("K")
	require.True(t, ok)
	require.Equal(t, TypeFd, got.Type())
	fd, err := got.DupFd()
	require.NoError(t, err)
	defer unix.Close(fd)
	out.Release()

	var want, have unix.Stat_t
	require.NoError(t, unix.Fstat(int(f.Fd()), &want))
	require.NoError(t, unix.Fstat(fd, &have))
	assert.Equal(t, want.Ino, have.Ino)
	assert.NotEqual(t, int(f.Fd()), fd)
}

func TestDescriptorIndexOutOfRange(t *testing.T) {
	payload, err := cbor.Marshal(cbor.Tag{Number: tagFd, Content: uint64(3)})
	require.NoError(t, err)
	out, err := Unmarshal(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, out.Type())
}

func TestUnmarshalAcceptsWhatMarshalProduces(t *testing.T) {
	t.Run("large array", func(t *testing.T) {
		arr := NewArray()
		for i := 0; i < 140_000; i++ {
			arr.Append(NewNull())
		}
		assert.Equal(t, 140_000, roundTrip(t, arr).Len())
	})

	t.Run("large dictionary", func(t *testing.T) {
		dict := NewDictionary()
		for i := 0; i < 140_000; i++ {
			dict.Set(strconv.Itoa(i), NewBool(true))
		}
		assert.Equal(t, 140_000, roundTrip(t, dict).Len())
	})

	t.Run("invalid utf-8", func(t *testing.T) {
		dict := NewDictionary()
		dict.Set("\xff\xfe", NewString("caf\xe9"))
		out := roundTrip(t, dict)
		v, ok := out.Get("\xff\xfe")
		require.True(t, ok)
		assert.Equal(t, "caf\xe9", v.Text())
	})
}

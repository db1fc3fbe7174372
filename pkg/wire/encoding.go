package wire

import (
	"fmt"
	"math"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

// CBOR tag numbers for nodes without a native CBOR major type. 37 is the
// registered UUID tag; the others live in the first-come range.
const (
	tagUUID   = 37
	tagBase   = 0x78630000
	tagUint64 = tagBase + 1
	tagDate   = tagBase + 2
	tagFd     = tagBase + 3
)

// maxContainerLen is the largest array or map the decoder accepts.
const maxContainerLen = math.MaxInt32

type codecModes struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var modes = sync.OnceValue(func() codecModes {
	encOpts := cbor.CoreDetEncOptions()
	// doubles travel as 8-byte floats with their exact bit pattern
	encOpts.ShortestFloat = cbor.ShortestFloatNone
	encOpts.NaNConvert = cbor.NaNConvertNone
	encOpts.InfConvert = cbor.InfConvertNone
	enc, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encode mode: %v", err))
	}
	// accept everything the encoder can produce: strings are byte strings
	// to the peer and container sizes are bounded by the frame size
	dec, err := cbor.DecOptions{
		MaxNestedLevels:  4 * MaxDepth,
		MaxArrayElements: maxContainerLen,
		MaxMapPairs:      maxContainerLen,
		UTF8:             cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decode mode: %v", err))
	}
	return codecModes{enc: enc, dec: dec}
})

// Marshal serialises o. The returned descriptors are borrowed from the
// capsules in o and stay owned by it; they are listed in the order the
// payload references them.
func Marshal(o *Object) ([]byte, []int, error) {
	var fds []int
	v, err := toCBOR(o, 0, &fds)
	if err != nil {
		return nil, nil, err
	}
	payload, err := modes().enc.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	return payload, fds, nil
}

// Unmarshal parses payload into an object graph. Ownership of fds moves to
// the returned graph; descriptors the payload does not reference are
// closed. On error every descriptor is closed.
func Unmarshal(payload []byte, fds []int) (*Object, error) {
	var v any
	if err := modes().dec.Unmarshal(payload, &v); err != nil {
		closeAll(fds)
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	used := make([]bool, len(fds))
	obj, err := fromCBOR(v, 0, fds, used)
	for i, fd := range fds {
		if !used[i] || err != nil {
			unix.Close(fd)
		}
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func toCBOR(o *Object, depth int, fds *[]int) (any, error) {
	switch o.Type() {
	case TypeNull, TypeUnknown:
		return nil, nil
	case TypeBool:
		return o.b, nil
	case TypeInt64:
		return o.i, nil
	case TypeUint64:
		return cbor.Tag{Number: tagUint64, Content: o.u}, nil
	case TypeDouble:
		return o.f, nil
	case TypeString:
		return o.s, nil
	case TypeData:
		if o.raw == nil {
			return []byte{}, nil
		}
		return o.raw, nil
	case TypeUUID:
		return cbor.Tag{Number: tagUUID, Content: o.id[:]}, nil
	case TypeDate:
		return cbor.Tag{Number: tagDate, Content: o.i}, nil
	case TypeFd:
		if o.fd < 0 {
			return nil, fmt.Errorf("descriptor capsule already released")
		}
		*fds = append(*fds, o.fd)
		return cbor.Tag{Number: tagFd, Content: uint64(len(*fds) - 1)}, nil
	case TypeArray:
		if depth >= MaxDepth {
			return nil, ErrTooDeep
		}
		out := make([]any, 0, len(o.items))
		for _, child := range o.items {
			v, err := toCBOR(child, depth+1, fds)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case TypeDictionary:
		if depth >= MaxDepth {
			return nil, ErrTooDeep
		}
		out := make(map[string]any, len(o.dict))
		for k, child := range o.dict {
			v, err := toCBOR(child, depth+1, fds)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported node type %s", o.typ)
	}
}

func fromCBOR(v any, depth int, fds []int, used []bool) (*Object, error) {
	switch x := v.(type) {
	case nil:
		return NewNull(), nil
	case bool:
		return NewBool(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return newUnknown(0), nil
		}
		return NewInt64(int64(x)), nil
	case int64:
		return NewInt64(x), nil
	case float64:
		return NewDouble(x), nil
	case string:
		return NewString(x), nil
	case []byte:
		return &Object{typ: TypeData, raw: x}, nil
	case []any:
		if depth >= MaxDepth {
			return nil, ErrTooDeep
		}
		arr := NewArray()
		for _, item := range x {
			child, err := fromCBOR(item, depth+1, fds, used)
			if err != nil {
				return nil, err
			}
			arr.Append(child)
		}
		return arr, nil
	case map[any]any:
		if depth >= MaxDepth {
			return nil, ErrTooDeep
		}
		dict := NewDictionary()
		for k, item := range x {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: dictionary key of type %T", ErrMalformed, k)
			}
			child, err := fromCBOR(item, depth+1, fds, used)
			if err != nil {
				return nil, err
			}
			dict.dict[key] = child
		}
		return dict, nil
	case cbor.Tag:
		return fromTag(x, fds, used), nil
	default:
		return newUnknown(0), nil
	}
}

func fromTag(t cbor.Tag, fds []int, used []bool) *Object {
	switch t.Number {
	case tagUUID:
		if b, ok := t.Content.([]byte); ok && len(b) == 16 {
			var id [16]byte
			copy(id[:], b)
			return NewUUID(id)
		}
	case tagUint64:
		if u, ok := t.Content.(uint64); ok {
			return NewUint64(u)
		}
	case tagDate:
		switch n := t.Content.(type) {
		case int64:
			return NewDate(n)
		case uint64:
			if n <= math.MaxInt64 {
				return NewDate(int64(n))
			}
		}
	case tagFd:
		if idx, ok := t.Content.(uint64); ok && idx < uint64(len(fds)) && !used[idx] {
			used[idx] = true
			return adoptFd(fds[idx])
		}
	}
	return newUnknown(t.Number)
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

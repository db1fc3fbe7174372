// Package codec converts between message values and wire object graphs.
//
// Encode duplicates descriptors into capsules, so a message stays usable
// after it has been sent. Decode is total: nodes it cannot represent
// become message.Null.
package codec

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rexliu/xconn/pkg/message"
	"github.com/rexliu/xconn/pkg/wire"
)

var (
	// ErrNotEncodable indicates a variant that never travels on the wire.
	ErrNotEncodable = errors.New("message variant is not encodable")
	// ErrInvalidKey indicates an empty dictionary key or one containing NUL.
	ErrInvalidKey = errors.New("invalid dictionary key")
	// ErrInvalidString indicates a string containing NUL.
	ErrInvalidString = errors.New("string contains NUL")
	// ErrDateRange indicates a date the wire's nanosecond count cannot hold.
	ErrDateRange = errors.New("date out of range")
)

// Dates travel as int64 nanoseconds since the UNIX epoch.
var (
	minDate = time.Unix(0, math.MinInt64)
	maxDate = time.Unix(0, math.MaxInt64)
)

// Encode converts m into a wire object graph. The caller owns the result
// and must Release it once it has been sent.
func Encode(m message.Message) (*wire.Object, error) {
	return encode(m, 0)
}

func encode(m message.Message, depth int) (*wire.Object, error) {
	switch v := m.(type) {
	case nil, message.Null:
		return wire.NewNull(), nil
	case message.Bool:
		return wire.NewBool(bool(v)), nil
	case message.Int64:
		return wire.NewInt64(int64(v)), nil
	case message.Uint64:
		return wire.NewUint64(uint64(v)), nil
	case message.Double:
		return wire.NewDouble(float64(v)), nil
	case message.String:
		if strings.IndexByte(string(v), 0) >= 0 {
			return nil, ErrInvalidString
		}
		return wire.NewString(string(v)), nil
	case message.Data:
		return wire.NewData(v), nil
	case message.UUID:
		return wire.NewUUID(v), nil
	case message.Date:
		if v.Before(minDate) || v.After(maxDate) {
			return nil, fmt.Errorf("%w: %s", ErrDateRange, v.UTC().Format(time.RFC3339))
		}
		return wire.NewDate(v.UnixNano()), nil
	case message.Fd:
		return wire.NewFd(int(v))
	case message.Array:
		if depth >= wire.MaxDepth {
			return nil, wire.ErrTooDeep
		}
		arr := wire.NewArray()
		for _, item := range v {
			child, err := encode(item, depth+1)
			if err != nil {
				arr.Release()
				return nil, err
			}
			arr.Append(child)
		}
		return arr, nil
	case message.Dictionary:
		if depth >= wire.MaxDepth {
			return nil, wire.ErrTooDeep
		}
		dict := wire.NewDictionary()
		for key, item := range v {
			if key == "" || strings.IndexByte(key, 0) >= 0 {
				dict.Release()
				return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
			child, err := encode(item, depth+1)
			if err != nil {
				dict.Release()
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			dict.Set(key, child)
		}
		return dict, nil
	case message.Error:
		return nil, ErrNotEncodable
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotEncodable, m)
	}
}

// Decode converts obj into a message. Descriptor capsules are duplicated:
// every message.Fd in the result is a fresh descriptor owned by the caller,
// and obj keeps its own.
func Decode(obj *wire.Object) message.Message {
	m, _ := DecodeStats(obj)
	return m
}

// DecodeStats is Decode that also reports how many nodes were replaced by
// message.Null because they could not be represented.
func DecodeStats(obj *wire.Object) (message.Message, int) {
	var degraded int
	m := decode(obj, &degraded)
	return m, degraded
}

func decode(obj *wire.Object, degraded *int) message.Message {
	switch obj.Type() {
	case wire.TypeNull:
		return message.Null{}
	case wire.TypeBool:
		return message.Bool(obj.Bool())
	case wire.TypeInt64:
		return message.Int64(obj.Int64())
	case wire.TypeUint64:
		return message.Uint64(obj.Uint64())
	case wire.TypeDouble:
		return message.Double(obj.Double())
	case wire.TypeString:
		return message.String(obj.Text())
	case wire.TypeData:
		raw := obj.Data()
		out := make(message.Data, len(raw))
		copy(out, raw)
		return out
	case wire.TypeUUID:
		return message.UUID(obj.UUID())
	case wire.TypeDate:
		return message.NewDate(time.Unix(0, obj.DateNanos()))
	case wire.TypeFd:
		fd, err := obj.DupFd()
		if err != nil {
			*degraded++
			return message.Null{}
		}
		return message.Fd(fd)
	case wire.TypeArray:
		out := make(message.Array, 0, obj.Len())
		for i := 0; i < obj.Len(); i++ {
			out = append(out, decode(obj.Index(i), degraded))
		}
		return out
	case wire.TypeDictionary:
		out := make(message.Dictionary, obj.Len())
		for _, key := range obj.Keys() {
			child, _ := obj.Get(key)
			out[key] = decode(child, degraded)
		}
		return out
	default:
		*degraded++
		return message.Null{}
	}
}

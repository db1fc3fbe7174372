package message

import (
	"bytes"
	"math"
)

// Equal reports whether a and b are structurally equal. Dictionaries are
// compared by key set, doubles bit for bit and dates by instant. A nil
// Message equals Null.
func Equal(a, b Message) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch x := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	case Int64:
		y, ok := b.(Int64)
		return ok && x == y
	case Uint64:
		y, ok := b.(Uint64)
		return ok && x == y
	case Double:
		y, ok := b.(Double)
		return ok && math.Float64bits(float64(x)) == math.Float64bits(float64(y))
	case String:
		y, ok := b.(String)
		return ok && x == y
	case Data:
		y, ok := b.(Data)
		return ok && bytes.Equal(x, y)
	case UUID:
		y, ok := b.(UUID)
		return ok && x == y
	case Date:
		y, ok := b.(Date)
		return ok && x.Equal(y.Time)
	case Fd:
		y, ok := b.(Fd)
		return ok && x == y
	case Array:
		y, ok := b.(Array)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Dictionary:
		y, ok := b.(Dictionary)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, found := y[k]
			if !found || !Equal(v, w) {
				return false
			}
		}
		return true
	case Error:
		y, ok := b.(Error)
		return ok && x.Kind == y.Kind
	default:
		return false
	}
}

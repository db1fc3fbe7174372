// Package wire models the native object graph carried by a frame.
//
// An Object is a dynamically typed node identified by its Type tag. Scalar
// nodes hold a value, containers hold child nodes, and descriptor capsules
// own a duplicated file descriptor until Release is called. Objects are not
// safe for concurrent mutation.
package wire

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// MaxDepth bounds container nesting.
const MaxDepth = 64

var (
	// ErrTooDeep indicates containers nested beyond MaxDepth.
	ErrTooDeep = errors.New("object graph too deep")
	// ErrMalformed indicates a payload that is not a valid object graph.
	ErrMalformed = errors.New("malformed payload")
)

// Type is the node tag of an Object.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt64
	TypeUint64
	TypeDouble
	TypeString
	TypeData
	TypeUUID
	TypeDate
	TypeFd
	TypeArray
	TypeDictionary
	// TypeUnknown marks a node this implementation cannot interpret.
	TypeUnknown
)

var typeNames = [...]string{
	TypeNull:       "null",
	TypeBool:       "bool",
	TypeInt64:      "int64",
	TypeUint64:     "uint64",
	TypeDouble:     "double",
	TypeString:     "string",
	TypeData:       "data",
	TypeUUID:       "uuid",
	TypeDate:       "date",
	TypeFd:         "fd",
	TypeArray:      "array",
	TypeDictionary: "dictionary",
	TypeUnknown:    "unknown",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Object is one node of the wire graph.
type Object struct {
	typ   Type
	b     bool
	i     int64
	u     uint64
	f     float64
	s     string
	raw   []byte
	id    [16]byte
	fd    int
	items []*Object
	dict  map[string]*Object
	// tag keeps the foreign tag number of an unknown node for diagnostics.
	tag uint64
}

// NewNull returns a null node.
func NewNull() *Object { return &Object{typ: TypeNull} }

// NewBool returns a bool node.
func NewBool(v bool) *Object { return &Object{typ: TypeBool, b: v} }

// NewInt64 returns an int64 node.
func NewInt64(v int64) *Object { return &Object{typ: TypeInt64, i: v} }

// NewUint64 returns a uint64 node.
func NewUint64(v uint64) *Object { return &Object{typ: TypeUint64, u: v} }

// NewDouble returns a double node.
func NewDouble(v float64) *Object { return &Object{typ: TypeDouble, f: v} }

// NewString returns a string node.
func NewString(v string) *Object { return &Object{typ: TypeString, s: v} }

// NewData returns a data node holding a copy of v.
func NewData(v []byte) *Object {
	raw := make([]byte, len(v))
	copy(raw, v)
	return &Object{typ: TypeData, raw: raw}
}

// NewUUID returns a uuid node.
func NewUUID(v [16]byte) *Object { return &Object{typ: TypeUUID, id: v} }

// NewDate returns a date node from signed nanoseconds since the UNIX epoch.
func NewDate(nanos int64) *Object { return &Object{typ: TypeDate, i: nanos} }

// NewFd returns a descriptor capsule holding a close-on-exec duplicate of
// fd. The caller keeps ownership of fd.
func NewFd(fd int) (*Object, error) {
	dup, err := dupFd(fd)
	if err != nil {
		return nil, fmt.Errorf("dup fd %d: %w", fd, err)
	}
	return &Object{typ: TypeFd, fd: dup}, nil
}

// adoptFd wraps a descriptor the capsule takes ownership of.
func adoptFd(fd int) *Object { return &Object{typ: TypeFd, fd: fd} }

// NewArray returns an empty array node.
func NewArray() *Object { return &Object{typ: TypeArray} }

// NewDictionary returns an empty dictionary node.
func NewDictionary() *Object {
	return &Object{typ: TypeDictionary, dict: make(map[string]*Object)}
}

func newUnknown(tag uint64) *Object { return &Object{typ: TypeUnknown, tag: tag} }

// Type returns the node tag.
func (o *Object) Type() Type {
	if o == nil {
		return TypeNull
	}
	return o.typ
}

// Bool returns the value of a bool node.
func (o *Object) Bool() bool { return o.b }

// Int64 returns the value of an int64 node.
func (o *Object) Int64() int64 { return o.i }

// Uint64 returns the value of a uint64 node.
func (o *Object) Uint64() uint64 { return o.u }

// Double returns the value of a double node.
func (o *Object) Double() float64 { return o.f }

// Text returns the value of a string node.
func (o *Object) Text() string { return o.s }

// Data returns the bytes of a data node. The slice must not be modified.
func (o *Object) Data() []byte { return o.raw }

// UUID returns the value of a uuid node.
func (o *Object) UUID() [16]byte { return o.id }

// DateNanos returns the signed nanoseconds since the epoch of a date node.
func (o *Object) DateNanos() int64 { return o.i }

// Tag returns the foreign tag number of an unknown node.
func (o *Object) Tag() uint64 { return o.tag }

// DupFd returns a fresh close-on-exec duplicate of the capsule's
// descriptor, owned by the caller.
func (o *Object) DupFd() (int, error) {
	if o.typ != TypeFd || o.fd < 0 {
		return -1, fmt.Errorf("not a live descriptor capsule")
	}
	return dupFd(o.fd)
}

// Append adds child to an array node. The array takes ownership of child.
func (o *Object) Append(child *Object) {
	o.items = append(o.items, child)
}

// Len returns the number of children of a container node.
func (o *Object) Len() int {
	switch o.typ {
	case TypeArray:
		return len(o.items)
	case TypeDictionary:
		return len(o.dict)
	default:
		return 0
	}
}

// Index returns the i-th element of an array node.
func (o *Object) Index(i int) *Object { return o.items[i] }

// Set stores child under key in a dictionary node, releasing any value it
// replaces. The dictionary takes ownership of child.
func (o *Object) Set(key string, child *Object) {
	if prev, ok := o.dict[key]; ok && prev != child {
		prev.Release()
	}
	o.dict[key] = child
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (*Object, bool) {
	v, ok := o.dict[key]
	return v, ok
}

// Keys returns the dictionary keys in sorted order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, len(o.dict))
	for k := range o.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Release closes every descriptor owned by o and its children. It is
// idempotent.
func (o *Object) Release() {
	if o == nil {
		return
	}
	switch o.typ {
	case TypeFd:
		if o.fd >= 0 {
			unix.Close(o.fd)
			o.fd = -1
		}
	case TypeArray:
		for _, child := range o.items {
			child.Release()
		}
	case TypeDictionary:
		for _, child := range o.dict {
			child.Release()
		}
	}
}

func dupFd(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

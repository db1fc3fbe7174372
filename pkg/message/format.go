package message

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Format renders m on one line with dictionary keys sorted, for logs and
// command output.
func Format(m Message) string {
	var b strings.Builder
	format(&b, m)
	return b.String()
}

func format(b *strings.Builder, m Message) {
	switch v := m.(type) {
	case nil, Null:
		b.WriteString("null")
	case Bool:
		b.WriteString(strconv.FormatBool(bool(v)))
	case Int64:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case Uint64:
		b.WriteString(strconv.FormatUint(uint64(v), 10))
		b.WriteByte('u')
	case Double:
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
	case String:
		b.WriteString(strconv.Quote(string(v)))
	case Data:
		b.WriteString("<data ")
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteString(" bytes>")
	case UUID:
		b.WriteString(v.String())
	case Date:
		b.WriteString(v.UTC().Format(time.RFC3339Nano))
	case Fd:
		b.WriteString("<fd ")
		b.WriteString(strconv.Itoa(int(v)))
		b.WriteByte('>')
	case Array:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, item)
		}
		b.WriteByte(']')
	case Dictionary:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(": ")
			format(b, v[k])
		}
		b.WriteByte('}')
	case Error:
		b.WriteString("<error ")
		b.WriteString(v.Kind.String())
		b.WriteByte('>')
	}
}

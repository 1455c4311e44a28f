package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

const _hex = "0123456789abcdef"

// LogEvent accumulates the fields of one log line and renders it as a JSON object.
// Every method is safe on a nil receiver, which is what a filtered-out level returns.
type LogEvent struct {
	buf    *bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{
		buf:    bytes.NewBuffer(make([]byte, 0, 256)),
		logger: logger,
	}
}

// Reset clears the event for reuse from the pool.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
}

// Bytes exposes the rendered line; valid until the event is returned to its pool.
func (e *LogEvent) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendString(e.buf, k)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendString(e.buf, v)
	return e
}

// Stringer adds the String() of v, or null.
func (e *LogEvent) Stringer(k string, v fmt.Stringer) *LogEvent {
	if e == nil {
		return nil
	}
	if v == nil {
		e.key(k)
		e.buf.WriteString("null")
		return e
	}
	return e.Str(k, v.String())
}

// Int adds an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int32 adds an int32 field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int64 adds an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendInt(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Uint16 adds a uint16 field.
func (e *LogEvent) Uint16(k string, v uint16) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint32 adds a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint64 adds a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Float64 adds a float field.
func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendFloat(e.buf.AvailableBuffer(), v, 'f', -1, 64))
	return e
}

// Bool adds a boolean field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatBool(v))
	return e
}

// Err adds an "error" field; a nil error is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Dur adds a duration in milliseconds.
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendFloat(e.buf.AvailableBuffer(), float64(d)/float64(time.Millisecond), 'f', -1, 64))
	return e
}

// Time adds an RFC3339 timestamp with millisecond precision.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil || t == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(e.buf.AvailableBuffer(), "2006-01-02T15:04:05.000Z07:00"))
	e.buf.WriteByte('"')
	return e
}

// Msg writes the event with a message and hands it back to its logger.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	if msg != "" {
		e.Str("msg", msg)
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

// Msgf is Msg with fmt formatting.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

// Send writes the event without a message.
func (e *LogEvent) Send() {
	e.Msg("")
}

func appendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' && c < utf8.RuneSelf {
			i++
			continue
		}
		if c < utf8.RuneSelf {
			buf.WriteString(s[start:i])
			switch c {
			case '"', '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				buf.WriteString(`\u00`)
				buf.WriteByte(_hex[c>>4])
				buf.WriteByte(_hex[c&0xf])
			}
			i++
			start = i
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(s[start:i])
			buf.WriteString(`�`)
			i += size
			start = i
			continue
		}
		i += size
	}
	buf.WriteString(s[start:])
	buf.WriteByte('"')
}

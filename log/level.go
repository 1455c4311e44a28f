package log

import (
	"fmt"
	"strings"
)

// Level is the severity of a log event.
type Level uint32

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var _levelNames = [...]string{
	TraceLevel: "trace",
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
}

func (l Level) String() string {
	if int(l) < len(_levelNames) {
		return _levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// ParseLevel converts a level name such as "info" into a Level.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range _levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// UnmarshalText lets configuration files spell levels by name.
func (l *Level) UnmarshalText(text []byte) error {
	lv, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

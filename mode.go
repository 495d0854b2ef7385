package vfscache

import (
	"fmt"
	"os"
	"strings"
)

// Mode is a parsed fopen-style access mode string such as "rb", "r+", "w" or "a".
type Mode struct {
	Read     bool
	Write    bool
	Create   bool
	Truncate bool
	Append   bool

	// Extra holds handler-specific flag letters (for example 'z').
	Extra string

	raw string
}

// ParseMode parses an access mode string.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return Mode{}, fmt.Errorf("empty access mode: %w", ErrBadParameter)
	}
	m := Mode{raw: s}
	switch s[0] {
	case 'r':
		m.Read = true
	case 'w':
		m.Write, m.Create, m.Truncate = true, true, true
	case 'a':
		m.Write, m.Create, m.Append = true, true, true
	default:
		return Mode{}, fmt.Errorf("access mode %q: %w", s, ErrBadParameter)
	}
	for _, c := range s[1:] {
		switch c {
		case '+':
			m.Read, m.Write = true, true
		case 'b', 't':
		default:
			m.Extra += string(c)
		}
	}
	return m, nil
}

// MustParseMode is ParseMode for constant mode strings.
func MustParseMode(s string) Mode {
	m, err := ParseMode(s)
	if err != nil {
		panic(err)
	}
	return m
}

// String returns the original mode string.
func (m Mode) String() string { return m.raw }

// ReadOnly reports whether the mode permits reads only.
func (m Mode) ReadOnly() bool { return m.Read && !m.Write }

// Update reports whether the mode is a read/write mode on an existing file ("r+").
func (m Mode) Update() bool { return m.Read && m.Write && !m.Create }

// Has reports whether the handler-specific flag c is present.
func (m Mode) Has(c byte) bool { return strings.IndexByte(m.Extra, c) >= 0 }

// OSFlags maps the mode onto os.OpenFile flags.
func (m Mode) OSFlags() int {
	var flags int
	switch {
	case m.Read && m.Write:
		flags = os.O_RDWR
	case m.Write:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if m.Create {
		flags |= os.O_CREATE
	}
	if m.Truncate {
		flags |= os.O_TRUNC
	}
	if m.Append {
		flags |= os.O_APPEND
	}
	return flags
}

// IsReadShareable reports whether mode may be served from a shared handle.
func IsReadShareable(mode string) bool {
	switch mode {
	case "r", "rb", "r+", "rb+", "r+b":
		return true
	}
	return false
}

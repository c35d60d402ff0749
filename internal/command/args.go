package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hpungsan/grimbot/internal/errors"
)

// Args are the tokens after the command name.
type Args []string

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// At returns argument i, or "" when absent.
func (a Args) At(i int) string {
	if i < 0 || i >= len(a) {
		return ""
	}
	return a[i]
}

// Require returns argument i or a MISSING_ARGUMENT error naming it.
func (a Args) Require(i int, name string) (string, error) {
	if i >= len(a) || a[i] == "" {
		return "", errors.NewParse(errors.ParseMissingArgument, fmt.Sprintf("missing %s", name))
	}
	return a[i], nil
}

// Rest joins arguments from i on with single spaces.
func (a Args) Rest(i int) string {
	if i >= len(a) {
		return ""
	}
	return strings.Join(a[i:], " ")
}

// Shift drops the first n arguments.
func (a Args) Shift(n int) Args {
	if n >= len(a) {
		return nil
	}
	return a[n:]
}

// Uint32 parses argument i as an unsigned 32-bit number.
func (a Args) Uint32(i int, name string) (uint32, error) {
	s, err := a.Require(i, name)
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.NewParse(errors.ParseMalformed, fmt.Sprintf("%s must be a whole number, got %q", name, s))
	}
	return uint32(u), nil
}

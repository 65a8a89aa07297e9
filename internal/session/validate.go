package session

import (
	"errors"
	"fmt"
	"regexp"
)

// Profile names become directory names and command line values, so a
// leading hyphen is not allowed.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

var errBadName = errors.New("use 1-64 of a-z, 0-9, '_' and '-', not starting with '-'")

// ValidateName checks that name is usable as a profile name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: %w", name, errBadName)
	}
	return nil
}

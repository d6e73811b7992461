package profile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid profile name")

// maxSocketPath is the smallest sun_path limit among supported platforms.
const maxSocketPath = 104

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ValidateName checks that name can be used as a profile directory and that
// the profile's control socket path fits a Unix socket address.
func ValidateName(name string) error {
	if !validName(name) {
		return fmt.Errorf("%w %q: use up to 32 lowercase letters, digits, '-' or '_', starting with a letter or digit", ErrInvalidName, name)
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return fmt.Errorf("%w %q: control socket path %s is longer than %d bytes", ErrInvalidName, name, p, maxSocketPath)
	}
	return nil
}

func validName(name string) bool {
	return nameRegexp.MatchString(name)
}

// NameFromDatabase derives a profile name from a backend database name,
// e.g. "ACME Prod.2024" becomes "acme-prod-2024".
func NameFromDatabase(db string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(db) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.Trim(b.String(), "-_")
	if len(name) > 32 {
		name = strings.TrimRight(name[:32], "-_")
	}
	if name == "" {
		return DefaultName
	}
	return name
}

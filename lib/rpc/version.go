package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// HeaderVersion carries the version a caller is pinned to.
const HeaderVersion = "X-Backup-RPC-Version"

// HeaderMessageID identifies a cast across hops and logs.
const HeaderMessageID = "X-Backup-RPC-Message-Id"

// ServerVersion is the version of the backup RPC surface this worker serves.
var ServerVersion = Version{Major: 2, Minor: 2}

// Version is a major.minor RPC version.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses "major.minor". A bare major means minor 0.
func ParseVersion(s string) (Version, error) {
	majorStr, minorStr, hasMinor := strings.Cut(strings.TrimSpace(s), ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	var minor int
	if hasMinor {
		minor, err = strconv.Atoi(minorStr)
		if err != nil || minor < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
	}
	return Version{Major: major, Minor: minor}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Accepts reports whether a server at v can serve a caller pinned to pin:
// same major, and a minor no newer than the server's.
func (v Version) Accepts(pin Version) bool {
	return pin.Major == v.Major && pin.Minor <= v.Minor
}

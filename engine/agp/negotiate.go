package agp

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrMajorVersionMismatch is returned when the local and peer AGP major
// versions differ; the session must not be accepted.
var ErrMajorVersionMismatch = errors.New("agp: major version mismatch")

// Version is a parsed "major.minor" AGP protocol version.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses a "major.minor" string. A bare integer is treated
// as major.0 for tolerance of older peers that never sent a minor.
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(s, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, errors.New("agp: invalid version string")
	}
	if len(parts) == 1 {
		return Version{Major: major}, nil
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, errors.New("agp: invalid version string")
	}
	return Version{Major: major, Minor: minor}, nil
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Negotiate accepts a peer's OPEN capabilities against our local version,
// returning the negotiated version (the minimum of local and peer minor,
// given equal majors). Capability keys other than agp_version are
// accepted but ignored — this is the forward-compatibility contract
// callers rely on when rolling out new capabilities incrementally.
func Negotiate(local Version, open *OpenMessage) (Version, error) {
	raw, ok := open.Capabilities[capabilityAGPVersion]
	if !ok {
		return Version{}, errors.New("agp: peer OPEN missing agp_version capability")
	}
	var peerVersionStr string
	if err := json.Unmarshal(raw, &peerVersionStr); err != nil {
		return Version{}, errors.New("agp: agp_version capability is not a string")
	}
	peer, err := ParseVersion(peerVersionStr)
	if err != nil {
		return Version{}, err
	}
	if peer.Major != local.Major {
		return Version{}, ErrMajorVersionMismatch
	}
	return Version{Major: local.Major, Minor: min(local.Minor, peer.Minor)}, nil
}

// DerivedClusterID extracts the cluster identifier a router_id implies
// for loop-prevention purposes: the second colon-delimited token, or the
// full router_id when there is no colon.
func DerivedClusterID(routerID string) string {
	parts := strings.SplitN(routerID, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return routerID
}

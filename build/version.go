package build

import (
	"fmt"

	"golang.org/x/xerrors"
)

// CurrentCommit is set with -ldflags "-X .../build.CurrentCommit=..." at release.
var CurrentCommit string

// BuildVersion is the release of the manager and delegate binaries.
const BuildVersion = "0.3.0"

// UserVersion is BuildVersion with the commit appended when known.
func UserVersion() string {
	if CurrentCommit == "" {
		return BuildVersion
	}
	return BuildVersion + "+git." + CurrentCommit
}

// Version packs an RPC API version as 0x00MMmmpp.
type Version uint32

func newVer(major, minor, patch uint8) Version {
	return Version(uint32(major)<<16 | uint32(minor)<<8 | uint32(patch))
}

func (ve Version) Major() uint32 { return uint32(ve) >> 16 & 0xff }
func (ve Version) Minor() uint32 { return uint32(ve) >> 8 & 0xff }
func (ve Version) Patch() uint32 { return uint32(ve) & 0xff }

func (ve Version) String() string {
	return fmt.Sprintf("%d.%d.%d", ve.Major(), ve.Minor(), ve.Patch())
}

// EqMajorMinor ignores the patch level; patch bumps never break the wire.
func (ve Version) EqMajorMinor(v2 Version) bool {
	return ve.Major() == v2.Major() && ve.Minor() == v2.Minor()
}

type NodeType int

const (
	NodeUnknown NodeType = iota

	NodeManager
	NodeDelegate
)

func (t NodeType) String() string {
	switch t {
	case NodeManager:
		return "manager"
	case NodeDelegate:
		return "delegate"
	default:
		return "unknown"
	}
}

// VersionForType returns the API version a node of the given type serves.
func VersionForType(nodeType NodeType) (Version, error) {
	switch nodeType {
	case NodeManager:
		return ManagerAPIVersion, nil
	case NodeDelegate:
		return DelegateAPIVersion, nil
	default:
		return Version(0), xerrors.Errorf("unknown node type %d", nodeType)
	}
}

var (
	ManagerAPIVersion  = newVer(0, 3, 0)
	DelegateAPIVersion = newVer(0, 3, 0)
)

// PayloadSchemaVersion is stamped on task parameters and results crossing the
// RPC boundary. Bump it whenever TaskDescriptor or TaskResponse change shape.
const PayloadSchemaVersion = 1

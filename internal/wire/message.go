package wire

// Type identifies the kind of message carried in a frame. The codes are a
// fixed enumeration shared by both peers and must never be renumbered.
type Type uint32

const (
	TypeHostname       Type = 0
	TypeFile           Type = 1
	TypeMultipartFile  Type = 2
	TypeAvailableSpace Type = 3
	TypeResult         Type = 4
	TypeInvalid        Type = 5
	TypeSymlink        Type = 6
	TypeDirectory      Type = 7
	TypeMetadata       Type = 8
	TypeDefaults       Type = 9
)

var typeNames = [...]string{
	TypeHostname:       "hostname",
	TypeFile:           "file",
	TypeMultipartFile:  "multipartFile",
	TypeAvailableSpace: "availableSpace",
	TypeResult:         "result",
	TypeInvalid:        "invalid",
	TypeSymlink:        "symlink",
	TypeDirectory:      "directory",
	TypeMetadata:       "metadata",
	TypeDefaults:       "defaults",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Valid reports whether t is a recognized catalog code.
func (t Type) Valid() bool {
	return t <= TypeDefaults
}

// DirectoryMarker is the literal payload carried by a Directory message
// after its info blob. Directories have no content bytes; the marker only
// keeps the payload non-empty so a truncated info blob is detectable.
const DirectoryMarker = "DIR"

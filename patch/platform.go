package patch

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform selects the finalization strategy of a Patcher.
type Platform int

// Platforms.
const (
	Generic Platform = iota
	Linux
	Darwin
	Windows
)

// HostPlatform returns the Platform of the running operating system.
func HostPlatform() Platform {
	switch runtime.GOOS {
	case "linux":
		return Linux
	case "darwin":
		return Darwin
	case "windows":
		return Windows
	default:
		return Generic
	}
}

// ParsePlatform maps a name such as "darwin" to a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(s) {
	case "generic", "":
		return Generic, nil
	case "linux":
		return Linux, nil
	case "darwin", "macos":
		return Darwin, nil
	case "windows":
		return Windows, nil
	default:
		return Generic, fmt.Errorf("unknown platform %q", s)
	}
}

// String returns the lowercase platform name.
func (p Platform) String() string {
	switch p {
	case Linux:
		return "linux"
	case Darwin:
		return "darwin"
	case Windows:
		return "windows"
	default:
		return "generic"
	}
}

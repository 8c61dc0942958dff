package rsync

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/tidesync/tidesync/internal/errdefs"
)

// MinMajorVersion is the oldest copy-tool generation the driver fully
// supports; older versions still run but miss flags like --mkpath.
const MinMajorVersion = 3

var versionRe = regexp.MustCompile(`rsync\s+version\s+v?(\d+)\.(\d+)\.(\d+)`)

// Version is the parsed copy-tool version.
type Version struct {
	Major, Minor, Patch int
	Raw                 string
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// Supported reports whether the version meets the minimum generation.
func (v Version) Supported() bool {
	return v.Major >= MinMajorVersion
}

// runVersion is swapped out in tests.
var runVersion = func(ctx context.Context, binary string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, "--version").Output()
}

// Probe locates the copy tool and parses its version banner.
func Probe(ctx context.Context) (*Version, error) {
	if _, err := exec.LookPath(Binary); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeValidation, err, "copy tool %q not found on PATH", Binary)
	}
	out, err := runVersion(ctx, Binary)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeValidation, err, "probe copy tool version")
	}
	v, ok := ParseVersion(string(out))
	if !ok {
		return nil, errdefs.New(errdefs.CodeValidation, "unrecognized copy tool version banner")
	}
	return v, nil
}

// ParseVersion extracts the version from a --version banner.
func ParseVersion(banner string) (*Version, bool) {
	m := versionRe.FindStringSubmatch(banner)
	if m == nil {
		return nil, false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return &Version{Major: major, Minor: minor, Patch: patch, Raw: m[0]}, true
}

// ProbeSSH verifies an SSH client is available for the transport.
func ProbeSSH() error {
	if _, err := exec.LookPath("ssh"); err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, err, "ssh client not found on PATH")
	}
	return nil
}

package vpn

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/yllada/vpn-sso/common"
)

var versionPattern = regexp.MustCompile(`(?i)OpenVPN\s*(\d*\.*\d*\.*\d*\.*\d*)`)

// Installation is a located VPN client binary.
type Installation struct {
	Path    string
	Version string
}

// Locator finds the VPN client executable on the host.
type Locator struct {
	// Override is probed before the platform locations.
	Override string
	// Candidates replaces the platform locations when non-nil.
	Candidates []string
	// LookPath resolves the binary name on PATH; nil disables the fallback.
	LookPath func(file string) (string, error)
	// Probe runs the binary with its version flag and returns the output.
	Probe func(ctx context.Context, path string) ([]byte, error)
}

// NewLocator returns a Locator for the current platform.
func NewLocator(override string) *Locator {
	return &Locator{
		Override:   override,
		Candidates: DefaultCandidates(runtime.GOOS),
		LookPath:   exec.LookPath,
		Probe:      probeVersion,
	}
}

// DefaultCandidates lists the conventional install locations for goos,
// in probing order.
func DefaultCandidates(goos string) []string {
	switch goos {
	case "windows":
		return []string{
			"C:/Program Files/OpenVPN/bin/openvpn.exe",
			"C:/Program Files (x86)/OpenVPN/bin/openvpn.exe",
		}
	case "darwin":
		return []string{
			"/opt/homebrew/sbin/openvpn",
			"/usr/local/sbin/openvpn",
			"/usr/local/opt/openvpn/sbin/openvpn",
		}
	default:
		return []string{
			"/usr/sbin/openvpn",
			"/usr/local/sbin/openvpn",
			"/usr/bin/openvpn",
		}
	}
}

// Locate returns the first existing candidate and its version. If versions
// is non-nil, "OpenVPN <version>" is appended to it. A binary that cannot be
// run is treated as not found.
func (l *Locator) Locate(ctx context.Context, versions *common.VersionInfo) (*Installation, error) {
	path := l.find()
	if path == "" {
		return nil, common.ErrBinaryNotFound
	}

	probe := l.Probe
	if probe == nil {
		probe = probeVersion
	}
	out, err := probe(ctx, path)
	if err != nil {
		common.LogWarn("Found %s but it could not be run: %v", path, err)
		return nil, fmt.Errorf("%w: %s: %v", common.ErrBinaryNotFound, path, err)
	}

	version := ParseVersion(string(out))
	if versions != nil {
		versions.Add(common.OpenVPNName, version)
	}
	common.LogInfo("Found OpenVPN version %s at %s", version, path)

	return &Installation{Path: path, Version: version}, nil
}

func (l *Locator) find() string {
	var candidates []string
	if l.Override != "" {
		candidates = append(candidates, l.Override)
	}
	candidates = append(candidates, l.Candidates...)

	for _, c := range candidates {
		if common.FileExists(c) {
			return c
		}
	}

	if l.LookPath != nil {
		name := "openvpn"
		if runtime.GOOS == "windows" {
			name = "openvpn.exe"
		}
		if p, err := l.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// ParseVersion extracts the version number from version output, or
// "Unknown" when none is present.
func ParseVersion(output string) string {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(output))
	if len(m) < 2 || m[1] == "" {
		return "Unknown"
	}
	return m[1]
}

// probeVersion runs "<path> --version". OpenVPN exits non-zero after
// printing its version, so output wins over the exit status.
func probeVersion(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Dir = binaryDir(path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(strings.TrimSpace(string(out))) > 0 {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

package vpn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yllada/vpn-sso/common"
)

// ResolveProfile maps a service's profile identifier to a file inside dir
// and checks that it looks like an OpenVPN client configuration.
func ResolveProfile(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty profile name", common.ErrProfileNotFound)
	}

	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid profiles directory: %w", err)
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, name)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", common.ErrInvalidProfile, name, base)
	}

	if err := validateConfigFile(path); err != nil {
		return "", err
	}
	return path, nil
}

// validateConfigFile checks if the given file is a valid OpenVPN configuration.
func validateConfigFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", common.ErrProfileNotFound, path)
		}
		return fmt.Errorf("%w: %v", common.ErrProfileNotFound, err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", common.ErrInvalidProfile, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ovpn" && ext != ".conf" {
		return fmt.Errorf("%w: expected .ovpn or .conf extension", common.ErrInvalidProfile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	if !hasDirective(string(data), "remote", "client") {
		return fmt.Errorf("%w: missing required OpenVPN directives", common.ErrInvalidProfile)
	}

	return nil
}

// hasDirective reports whether any non-comment line starts with one of names.
func hasDirective(content string, names ...string) bool {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[0], ";") {
			continue
		}
		if common.StringInSlice(strings.ToLower(fields[0]), names) {
			return true
		}
	}
	return false
}

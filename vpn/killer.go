package vpn

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/yllada/vpn-sso/common"
)

// Killer terminates every OS process running a given executable.
type Killer interface {
	KillAll(binary string) error
}

// SystemKiller kills by process name with the host's own utility:
// taskkill on Windows, pkill elsewhere. Helper, when set, prefixes the
// command so processes started through it can be reached.
type SystemKiller struct {
	Helper string
}

// KillAll implements Killer. "No matching process" is reported by the
// utilities as an error and is expected.
func (k SystemKiller) KillAll(binary string) error {
	name := processName(binary)
	if name == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var args []string
	if runtime.GOOS == "windows" {
		args = []string{"taskkill.exe", "/F", "/IM", name}
	} else {
		args = []string{"pkill", "-x", name}
	}
	if k.Helper != "" {
		args = append([]string{k.Helper}, args...)
	}

	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		common.LogDebug("Kill of %s returned: %v %s", name, err, strings.TrimSpace(string(out)))
	}
	return err
}

// processName is the name the OS lists the binary under.
func processName(binary string) string {
	if binary == "" {
		return ""
	}
	name := filepath.Base(binary)
	if runtime.GOOS != "windows" {
		// pkill -x matches at most 15 characters of comm on Linux.
		if len(name) > 15 {
			name = name[:15]
		}
	}
	return name
}

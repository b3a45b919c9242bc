package worker

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DriveStatus classifies one attempt at driving the external optimizer GUI.
type DriveStatus int

const (
	// DriveOK means the optimizer consumed the import file.
	DriveOK DriveStatus = iota
	// DriveEnvUnsupported means the automation script or library is
	// missing on this host; the job goes to HOLD, not FAILED.
	DriveEnvUnsupported
	// DriveError is any other failure.
	DriveError
)

// DriveResult carries the status and a trimmed tail of the subprocess output.
type DriveResult struct {
	Status DriveStatus
	Output string
}

// Driver abstracts the GUI-automation capability. Hosts without it report
// Supported() == false and the worker downgrades to the XLSX-only path where
// an operator finishes the optimization by hand.
type Driver interface {
	Supported() bool
	Drive(ctx context.Context, xlsxPath string, timeout time.Duration) DriveResult
}

// envUnsupportedExit is the exit code the automation script uses to signal a
// missing automation library rather than a failed run.
const envUnsupportedExit = 2

// SubprocessDriver shells out to the configured automation command with the
// import file as its argument.
type SubprocessDriver struct {
	Command string
}

func (d *SubprocessDriver) Supported() bool {
	return d.Command != ""
}

func (d *SubprocessDriver) Drive(ctx context.Context, xlsxPath string, timeout time.Duration) DriveResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.Command, xlsxPath)
	out, err := cmd.CombinedOutput()
	tail := outputTail(string(out), 1000)
	if err == nil {
		return DriveResult{Status: DriveOK, Output: tail}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return DriveResult{Status: DriveError, Output: "optimizer timed out after " + timeout.String()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == envUnsupportedExit {
		return DriveResult{Status: DriveEnvUnsupported, Output: tail}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return DriveResult{Status: DriveEnvUnsupported, Output: "automation command not found: " + d.Command}
	}
	if tail == "" {
		tail = err.Error()
	}
	return DriveResult{Status: DriveError, Output: tail}
}

// UnsupportedDriver is the non-Windows arm: the worker renders the XLSX and
// leaves the optimizer run to an operator.
type UnsupportedDriver struct{}

func (UnsupportedDriver) Supported() bool { return false }

func (UnsupportedDriver) Drive(context.Context, string, time.Duration) DriveResult {
	return DriveResult{Status: DriveEnvUnsupported, Output: "GUI automation not available on this host"}
}

// SelectDriver picks the subprocess driver when a command is configured and
// the host can actually run GUI automation.
func SelectDriver(command string) Driver {
	if command == "" || runtime.GOOS != "windows" {
		return UnsupportedDriver{}
	}
	return &SubprocessDriver{Command: command}
}

func outputTail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

//go:build unix

package media

import (
	"os/exec"
	"syscall"
)

// prepareCmd puts the downloader in its own process group so cancellation
// also reaps the ffmpeg children it spawns.
func prepareCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

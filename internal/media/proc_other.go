//go:build !unix

package media

import "os/exec"

func prepareCmd(cmd *exec.Cmd) {}

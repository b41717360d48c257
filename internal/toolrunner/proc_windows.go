//go:build windows

package toolrunner

import "os/exec"

// setProcessGroup Windows 上沿用 exec 默认的 Kill
func setProcessGroup(cmd *exec.Cmd) {}

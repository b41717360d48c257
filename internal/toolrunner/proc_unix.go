//go:build !windows

package toolrunner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup 工具进程单独成组，超时或取消时整组 SIGKILL，包装脚本启动的子进程一起结束
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// detach 让子进程进入独立进程组，服务自身收到的终端信号不会传递给它。
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

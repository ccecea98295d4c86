//go:build unix && !linux

package sandbox

import (
	"syscall"
)

func workerSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

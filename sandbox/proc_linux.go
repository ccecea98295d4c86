package sandbox

import (
	"syscall"
)

// workerSysProcAttr puts the worker in its own process group and has the kernel
// kill it if the orchestrator dies first.
func workerSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

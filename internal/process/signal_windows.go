//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

var platformSignals = map[string]syscall.Signal{}

// killProcess terminates a Windows process by PID. Windows has no signal
// delivery, so every signal maps to TerminateProcess.
func killProcess(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	ret, _, _ := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if ret == 0 {
		// gone already
		return nil
	}
	handle := syscall.Handle(ret)
	defer func() { _, _, _ = procCloseHandle.Call(uintptr(handle)) }()
	if r, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1)); r == 0 {
		return err
	}
	return nil
}

package engine

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

const (
	envInheritFD = "NOGICOS_INHERIT_FD"
	envFD        = "NOGICOS_FD"
)

// Restarter starts a replacement process that inherits Listener, so the
// metrics endpoint keeps accepting connections across a restart.
type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
}

func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(append([]string{}, r.Env...), envInheritFD+"=1", envFD+"=3")
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start new process: %w", err)
	}
	return nil
}

func listenerFile(listener net.Listener) (*os.File, error) {
	ln, ok := listener.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
	file, err := ln.File()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	return file, nil
}

// ListenerFromEnv returns the listener handed over by a Restarter, or nil
// when the process was started normally.
func ListenerFromEnv() (net.Listener, error) {
	if os.Getenv(envInheritFD) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(envFD)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}

// Listen reuses an inherited listener when there is one and otherwise binds
// addr.
func Listen(addr string) (net.Listener, error) {
	ln, err := ListenerFromEnv()
	if err != nil || ln != nil {
		return ln, err
	}
	return net.Listen("tcp", addr)
}

// Package activation provides the status server listener, taken from systemd
// socket activation when present.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Socket is one socket passed by systemd
type Socket struct {
	Name     string
	Listener net.Listener
}

// environment is the subset of the process environment socket activation reads
type environment struct {
	getenv func(string) string
	pid    int
	file   func(fd int, name string) *os.File
}

func processEnvironment() environment {
	return environment{
		getenv: os.Getenv,
		pid:    os.Getpid(),
		file: func(fd int, name string) *os.File {
			return os.NewFile(uintptr(fd), name)
		},
	}
}

// Sockets returns the systemd-activated sockets, or nil when the process was
// not socket activated. The activation variables are removed from the
// environment once consumed so child processes do not inherit them.
func Sockets() ([]Socket, error) {
	sockets, err := sockets(processEnvironment())
	if sockets != nil {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
	}
	return sockets, err
}

func sockets(env environment) ([]Socket, error) {
	pidStr := env.getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != env.pid {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := env.getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if raw := env.getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	out := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		name := fmt.Sprintf("systemd-socket-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		fd := firstFD + i
		file := env.file(fd, name)
		if file == nil {
			closeAll(out)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		ln, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(out)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		out = append(out, Socket{Name: name, Listener: ln})
	}

	return out, nil
}

// Listen returns the activated socket called name, or the first activated
// socket when none carries that name. Without socket activation it listens on
// addr. The boolean reports whether the listener came from systemd.
func Listen(addr, name string) (net.Listener, bool, error) {
	activated, err := Sockets()
	if err != nil {
		return nil, false, err
	}
	return choose(activated, addr, name)
}

func choose(activated []Socket, addr, name string) (net.Listener, bool, error) {
	if len(activated) == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return ln, false, nil
	}

	pick := 0
	for i, s := range activated {
		if s.Name == name {
			pick = i
			break
		}
	}
	for i, s := range activated {
		if i != pick {
			_ = s.Listener.Close()
		}
	}
	return activated[pick].Listener, true, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}

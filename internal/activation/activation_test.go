package activation

import (
	"net"
	"os"
	"strconv"
	"testing"
)

func fakeEnv(vars map[string]string, files map[int]*os.File) environment {
	return environment{
		getenv: func(k string) string { return vars[k] },
		pid:    4242,
		file: func(fd int, _ string) *os.File {
			return files[fd]
		},
	}
}

// listenerFile returns a duplicate descriptor of a fresh loopback listener
func listenerFile(t *testing.T) (*os.File, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create test listener: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	file, err := ln.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("failed to get listener file: %v", err)
	}
	return file, ln.Addr().String()
}

func TestSockets_NotActivated(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "no environment", vars: map[string]string{}},
		{name: "other process", vars: map[string]string{"LISTEN_PID": "99999", "LISTEN_FDS": "1"}},
		{name: "no fds", vars: map[string]string{"LISTEN_PID": "4242"}},
		{name: "zero fds", vars: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sockets(fakeEnv(tt.vars, nil))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != nil {
				t.Errorf("expected no sockets, got %v", got)
			}
		})
	}
}

func TestSockets_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "invalid pid", vars: map[string]string{"LISTEN_PID": "not-a-number", "LISTEN_FDS": "1"}},
		{name: "invalid fds", vars: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "many"}},
		{name: "missing descriptor", vars: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sockets(fakeEnv(tt.vars, nil)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSockets_NamedDescriptors(t *testing.T) {
	first, _ := listenerFile(t)
	second, secondAddr := listenerFile(t)

	vars := map[string]string{
		"LISTEN_PID":     "4242",
		"LISTEN_FDS":     "2",
		"LISTEN_FDNAMES": "metrics:workersyncd",
	}
	got, err := sockets(fakeEnv(vars, map[int]*os.File{firstFD: first, firstFD + 1: second}))
	if err != nil {
		t.Fatalf("sockets() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sockets, got %d", len(got))
	}
	if got[0].Name != "metrics" || got[1].Name != "workersyncd" {
		t.Errorf("unexpected names: %q %q", got[0].Name, got[1].Name)
	}

	ln, activated, err := choose(got, "127.0.0.1:0", "workersyncd")
	if err != nil {
		t.Fatalf("choose() failed: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	if !activated {
		t.Error("expected activated listener")
	}
	if ln.Addr().String() != secondAddr {
		t.Errorf("expected the named socket %s, got %s", secondAddr, ln.Addr())
	}
}

func TestSockets_UnnamedFallsBackToIndex(t *testing.T) {
	file, _ := listenerFile(t)

	vars := map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "1"}
	got, err := sockets(fakeEnv(vars, map[int]*os.File{firstFD: file}))
	if err != nil {
		t.Fatalf("sockets() failed: %v", err)
	}
	defer closeAll(got)
	if got[0].Name != "systemd-socket-0" {
		t.Errorf("expected generated name, got %q", got[0].Name)
	}
}

func TestListen_WithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, activated, err := Listen("127.0.0.1:0", "workersyncd")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	if activated {
		t.Error("expected a plain listener")
	}
}

func TestListen_ActivationForOtherProcess(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()+1))
	t.Setenv("LISTEN_FDS", "1")

	ln, activated, err := Listen("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	if activated {
		t.Error("activation for another process must be ignored")
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	if _, _, err := Listen("not-an-address", ""); err == nil {
		t.Error("expected error for invalid address")
	}
}

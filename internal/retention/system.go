package retention

import (
	"os"
	"runtime"
	"syscall"

	"github.com/prometheus/procfs"

	"github.com/schaermu/workersyncd/internal/report"
)

// systemState collects disk usage for dir and host memory. Missing values are
// left zero; the snapshot is informational.
func systemState(dir string) report.SystemState {
	state := report.SystemState{Goroutines: runtime.NumGoroutine()}
	state.Hostname, _ = os.Hostname()

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err == nil {
		state.DiskTotal = stat.Blocks * uint64(stat.Bsize)
		state.DiskFree = stat.Bavail * uint64(stat.Bsize)
	}

	if fs, err := procfs.NewDefaultFS(); err == nil {
		if mem, err := fs.Meminfo(); err == nil {
			if mem.MemTotal != nil {
				state.MemTotal = *mem.MemTotal * 1024
			}
			if mem.MemAvailable != nil {
				state.MemAvailable = *mem.MemAvailable * 1024
			}
		}
	}
	return state
}

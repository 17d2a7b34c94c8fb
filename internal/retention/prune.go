package retention

import (
	"os"

	"github.com/schaermu/workersyncd/internal/fault"
	"github.com/schaermu/workersyncd/internal/pathset"
)

// victims picks the oldest files to remove so that at most limit remain once
// pending newer files have been added.
func victims(files []pathset.File, limit, pending int) []pathset.File {
	excess := len(files) + pending - limit
	if excess <= 0 {
		return nil
	}
	if excess > len(files) {
		excess = len(files)
	}
	sorted := append([]pathset.File(nil), files...)
	pathset.SortByAge(sorted)
	return sorted[:excess]
}

func removeAll(files []pathset.File) (int, error) {
	removed := 0
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return removed, fault.New(fault.ResourceUnavailable, "prune", err)
		}
		removed++
	}
	return removed, nil
}

// Prune removes the oldest files in dir until at most limit remain.
// Age is the modification time; ties are broken by name. It returns the
// number of files removed.
func Prune(dir string, limit int) (int, error) {
	files, err := pathset.DiscoverFiles(dir)
	if err != nil {
		return 0, fault.New(fault.ResourceUnavailable, "prune", err)
	}
	return removeAll(victims(files, limit, 0))
}

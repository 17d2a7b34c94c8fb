package pathset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// File is a regular file found by discovery
type File struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// DiscoverFiles finds all regular files below dir.
// Hidden files and directories (names starting with ".") are skipped.
// A missing dir yields no files and no error.
func DiscoverFiles(dir string) ([]File, error) {
	var files []File

	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == dir && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}

		// Skip hidden files and directories (e.g. .git, .gitkeep)
		if p != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() {
			files = append(files, File{Path: p, Size: info.Size(), ModTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// SortByAge orders files oldest first by modification time, breaking ties by path
func SortByAge(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
}

// Newest returns up to n files below dir, most recently modified first
func Newest(dir string, n int) ([]File, error) {
	files, err := DiscoverFiles(dir)
	if err != nil {
		return nil, err
	}
	SortByAge(files)

	newest := make([]File, 0, n)
	for i := len(files) - 1; i >= 0 && len(newest) < n; i-- {
		newest = append(newest, files[i])
	}
	return newest, nil
}

package retention

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// redactedValue replaces every value in environment-style files
const redactedValue = "***REDACTED***"

// maxLineBytes bounds a single log line kept by tail
const maxLineBytes = 1 << 20

// isEnvFile reports whether name holds environment assignments that must be redacted
func isEnvFile(name string) bool {
	base := filepath.Base(name)
	return base == ".env" || strings.HasPrefix(base, ".env.") || strings.HasSuffix(base, ".env")
}

// redactEnv keeps the key of every assignment in an env file and replaces
// everything after the first '='. Continuation lines of a quoted value and any
// other non-comment line are replaced whole.
func redactEnv(data []byte) []byte {
	var out bytes.Buffer
	var open byte
	for _, line := range strings.SplitAfter(string(data), "\n") {
		newline := strings.HasSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\n")
		trimmed := strings.TrimSpace(line)

		switch {
		case open != 0:
			if closingQuote(line, open) >= 0 {
				open = 0
			}
			line = redactedValue
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		default:
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				line = redactedValue
				break
			}
			open = unterminatedQuote(value)
			line = key + "=" + redactedValue
		}

		out.WriteString(line)
		if newline {
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}

// unterminatedQuote returns the quote character that opens value and is not
// closed on the same line, or 0.
func unterminatedQuote(value string) byte {
	v := strings.TrimSpace(value)
	if v == "" || (v[0] != '"' && v[0] != '\'') {
		return 0
	}
	if closingQuote(v[1:], v[0]) >= 0 {
		return 0
	}
	return v[0]
}

// closingQuote returns the index of the first unescaped q in s, or -1.
// Backslash escapes apply inside double quotes only.
func closingQuote(s string, q byte) int {
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && q == '"':
			i++
		case s[i] == q:
			return i
		}
	}
	return -1
}

// snapshotName builds "<stem>_<id><ext>" for a captured file.
// Dotfiles such as ".env" keep their name as the stem.
func snapshotName(path, id, ext string) string {
	base := filepath.Base(path)
	fileExt := filepath.Ext(base)
	stem := strings.TrimSuffix(base, fileExt)
	if stem == "" {
		stem, fileExt = strings.TrimPrefix(base, "."), ""
	}
	if ext == "" {
		ext = fileExt
	}
	return stem + "_" + id + ext
}

// tailLines returns the last n lines of the file at path
func tailLines(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	if n < 1 {
		return nil, nil
	}

	// ring[total%n] holds the most recent line
	ring := make([]string, n)
	total := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		ring[total%n] = scanner.Text()
		total++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	kept, first := total, 0
	if total > n {
		kept, first = n, total%n
	}
	var out bytes.Buffer
	for i := 0; i < kept; i++ {
		out.WriteString(ring[(first+i)%n])
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

// copyFile copies src to dst through a temp file and rename, keeping the
// source permissions and modification time.
func copyFile(src, dst string) (int64, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return 0, err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".workersyncd-tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	n, err := io.Copy(tmpFile, srcFile)
	if err != nil {
		_ = tmpFile.Close()
		return 0, err
	}
	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}
	if err := os.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return 0, err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, err
	}
	return n, nil
}

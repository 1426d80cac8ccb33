package collector

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
)

const (
	tailChunkSize = 8 << 10

	// maxTailBytes caps how far back a tail will read, regardless of how
	// few newlines the file contains.
	maxTailBytes = 4 << 20
)

// TailLines returns at most n trailing lines of the file at path, reading
// backwards from the end so the cost is bounded by the window, not the file.
func TailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 || n <= 0 {
		return nil, nil
	}

	var (
		buf      []byte
		offset   = size
		newlines = 0
	)
	for offset > 0 && newlines <= n && size-offset < maxTailBytes {
		chunk := int64(tailChunkSize)
		if offset < chunk {
			chunk = offset
		}
		offset -= chunk
		part := make([]byte, chunk)
		if _, err := f.ReadAt(part, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		newlines += bytes.Count(part, []byte{'\n'})
		buf = append(part, buf...)
	}

	buf = bytes.TrimRight(buf, "\n")
	lines := bytes.Split(buf, []byte{'\n'})
	// The first line may be cut mid-way when we stopped before the file start.
	if offset > 0 && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, string(l))
	}
	return out, nil
}

// tailFirst tails the first existing path. It reports found=false when none
// of the paths exist.
func tailFirst(paths []string, n int) (lines []string, found bool, err error) {
	for _, p := range paths {
		lines, err := TailLines(p, n)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return lines, true, err
	}
	return nil, false, nil
}

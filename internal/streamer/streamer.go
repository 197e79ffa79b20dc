// Package streamer implements the Range Streamer (component C13): an
// HTTP handler serving a side-rooted file with byte-range support,
// rejecting any path attempting to escape its root. Grounded on the
// teacher's api handlers for direct, no-framework http.ServeContent-style
// responses, generalized here to support an explicit Range request
// beyond what http.ServeContent's own range handling gives us control
// over (to keep traversal rejection centralized in internal/pathsafe).
package streamer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"modellibmgr/internal/pathsafe"
	"modellibmgr/internal/storage"
)

// RootResolver maps a Side to its filesystem root.
type RootResolver interface {
	Root(side storage.Side) string
}

// Streamer serves file bytes from the two managed roots.
type Streamer struct {
	roots RootResolver
}

// New constructs a Streamer over roots.
func New(roots RootResolver) *Streamer {
	return &Streamer{roots: roots}
}

// ServeFile handles one GET request for (side, relpath), honoring an
// optional Range header per spec.md §4.12.
func (s *Streamer) ServeFile(w http.ResponseWriter, r *http.Request, side storage.Side, relpath string) {
	root := s.roots.Root(side)
	if root == "" {
		http.Error(w, "unknown side", http.StatusBadRequest)
		return
	}

	abs, err := pathsafe.Resolve(root, relpath)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	size := info.Size()

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = copyRange(w, f, 0, size)
		}
		return
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		_, _ = copyRange(w, f, start, end-start+1)
	}
}

var errMalformedRange = errors.New("streamer: malformed range header")

// parseRange parses a single "bytes=start-end" (or open-ended "bytes=start-")
// range header and clamps it against size, per spec.md §4.12.
func parseRange(header string, size int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, errMalformedRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, errMalformedRange
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, errMalformedRange
	}

	if parts[0] == "" {
		// suffix range: "bytes=-N" -> last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errMalformedRange
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, errMalformedRange
	}
	if parts[1] == "" {
		return start, size - 1, nil
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return 0, 0, errMalformedRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func copyRange(w http.ResponseWriter, f *os.File, offset, length int64) (int64, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return io.CopyN(w, f, length)
}

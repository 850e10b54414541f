package changelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// maxLine bounds a single log line when reading
const maxLine = 4 << 20

// Query narrows ReadEntries. Zero values match everything.
type Query struct {
	Field         string // exact field name
	SinceRevision int    // entries with Revision >= SinceRevision
	Limit         int    // keep only the newest Limit entries
}

func (q Query) match(e Entry) bool {
	if q.Field != "" && e.Field != q.Field {
		return false
	}
	return e.Revision >= q.SinceRevision
}

// ReadEntries reads the log at path in file order. A missing file yields
// no entries. Lines that are not valid entries, such as a line torn by a
// crash mid-append, are skipped and counted in skipped.
func ReadEntries(fs afero.Fs, path string, q Query) (entries []Entry, skipped int, err error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Field == "" {
			skipped++
			continue
		}
		if q.match(e) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("read %s: %w", path, err)
	}

	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[len(entries)-q.Limit:]
	}
	return entries, skipped, nil
}

// Tail returns the last n entries of the log.
func Tail(fs afero.Fs, path string, n int) ([]Entry, error) {
	entries, _, err := ReadEntries(fs, path, Query{Limit: n})
	return entries, err
}

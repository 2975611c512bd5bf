package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

const segmentPrefix = "wal-"
const segmentSuffix = ".seg"

func segmentName(startLSN uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, startLSN, segmentSuffix)
}

func segmentStartLSN(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ListSegments returns the segment file names under dir, sorted by start
// LSN (lexicographic sort on the zero-padded name matches LSN order).
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.Wrap(err, "list wal segments")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := segmentStartLSN(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func segmentPath(dir, name string) string {
	return filepath.Join(dir, name)
}

package registry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// IndexEntry is one line of a sparse index file.
type IndexEntry struct {
	Name   string `json:"name"`
	Vers   string `json:"vers"`
	Cksum  string `json:"cksum"`
	Yanked bool   `json:"yanked"`
}

// IndexPath returns the sparse index path of a package:
// 1/a, 2/ab, 3/a/abc, ab/cd/abcd...
func IndexPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return "1/" + name
	case 2:
		return "2/" + name
	case 3:
		return "3/" + name[:1] + "/" + name
	}
	return name[:2] + "/" + name[2:4] + "/" + name
}

// ParseIndex reads newline-delimited index entries. Blank lines are
// ignored.
func ParseIndex(data []byte) ([]IndexEntry, error) {
	var entries []IndexEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(text, &e); err != nil {
			return nil, fmt.Errorf("invalid index entry on line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return entries, nil
}

// HasVersion reports whether entries list version. Yanked versions count:
// their number can never be published again.
func HasVersion(entries []IndexEntry, version string) bool {
	for _, e := range entries {
		if e.Vers == version {
			return true
		}
	}
	return false
}

// Package mapping persists the distributor's key-to-node assignments to
// a line-delimited text file, so a restarted process can reload where
// every key lives without a full cluster rescan.
package mapping

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/distkv/distkv/internal/kverr"
)

// Entry is one key's recorded placement: which endpoint and node-id it
// was last assigned to.
type Entry struct {
	Key      int32
	Endpoint string
	NodeID   int
}

// Load reads path and returns the key-to-entry map it describes. A
// missing or unreadable file is treated as empty. Malformed lines are
// skipped and logged rather than failing the load; later duplicate keys
// overwrite earlier ones.
func Load(path string) (map[int32]Entry, error) {
	result := make(map[int32]Entry)

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("mapping: open %s: %v; treating as empty", path, err)
		}
		return result, nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			log.Printf("mapping: %s:%d: %v: %v", path, lineNo, err, kverr.ErrConfig)
			continue
		}
		result[entry.Key] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mapping: scan %s: %w", path, err)
	}
	return result, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Entry{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	key, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("parse key %q: %w", fields[0], err)
	}
	nodeID, err := strconv.Atoi(fields[2])
	if err != nil {
		return Entry{}, fmt.Errorf("parse node id %q: %w", fields[2], err)
	}
	return Entry{Key: int32(key), Endpoint: fields[1], NodeID: nodeID}, nil
}

// AppendOne appends a single entry's line to path, creating it if
// necessary. Called after a Store insert succeeds, so a crash never
// records a mapping entry for a value that was never written.
func AppendOne(path string, e Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("mapping: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d %s %d\n", e.Key, e.Endpoint, e.NodeID); err != nil {
		return fmt.Errorf("mapping: append %s: %w", path, err)
	}
	return nil
}

// RewriteAll truncates path and writes every entry in entries, one per
// line. Used after a rebalance or node removal changes many
// assignments at once.
func RewriteAll(path string, entries map[int32]Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("mapping: rewrite %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%d %s %d\n", e.Key, e.Endpoint, e.NodeID); err != nil {
			return fmt.Errorf("mapping: rewrite %s: %w", path, err)
		}
	}
	return w.Flush()
}

// DefaultPath is the fixed mapping file location.
const DefaultPath = "./mappings.txt"

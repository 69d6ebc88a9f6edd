package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"syscall"

	"github.com/distkv/distkv/internal/kverr"
)

// segmentHeaderSize is the fixed-width length prefix stored at the start
// of every mapped segment, ahead of the gob-encoded table payload.
const segmentHeaderSize = 8

// mmapSegment is a memory-mapped region backing a Store's table. Both the
// memory-mode and persistent-mode stores use it: they differ only in the
// path they map (tmpfs for memory mode, a regular file for persistent
// mode) and in how aggressively their owner recovers a pre-existing
// segment.
//
// Rather than laying the hash table out byte-for-byte inside the mapped
// region the way the original boost::interprocess::map does, we keep the
// table as a normal Go map and round-trip it through the mapped bytes via
// gob encoding on every mutating call. This keeps the "process-shareable,
// flush-on-write" contract while using idiomatic Go serialization instead
// of an in-place allocator.
type mmapSegment struct {
	file     *os.File
	data     []byte // mapped bytes, length == segmentHeaderSize+capacity
	capacity int64
}

func mapFile(f *os.File, capacity int64) (*mmapSegment, error) {
	total := int(segmentHeaderSize + capacity)
	data, err := syscall.Mmap(int(f.Fd()), 0, total, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return &mmapSegment{file: f, data: data, capacity: capacity}, nil
}

// createSegment truncates (or creates) the file at path to capacity plus
// the header, maps it, and writes a zero length prefix, which read
// decodes as an empty table, so any capacity can be created.
func createSegment(path string, capacity int64) (*mmapSegment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	if err := f.Truncate(segmentHeaderSize + capacity); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate segment %s: %w", path, err)
	}
	seg, err := mapFile(f, capacity)
	if err != nil {
		f.Close()
		return nil, err
	}
	binary.LittleEndian.PutUint64(seg.data[:segmentHeaderSize], 0)
	if err := f.Sync(); err != nil {
		seg.close()
		return nil, fmt.Errorf("sync segment %s: %w", path, err)
	}
	return seg, nil
}

// openSegment maps an already-existing file, sizing capacity from the
// file's own length. Returns kverr.ErrUnavailable if the file doesn't
// exist, kverr.ErrCorrupt if it exists but is too small to hold a header.
func openSegment(path string) (*mmapSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open segment %s: %w", path, kverr.ErrUnavailable)
		}
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	if info.Size() < segmentHeaderSize {
		f.Close()
		return nil, fmt.Errorf("segment %s too small: %w", path, kverr.ErrCorrupt)
	}
	capacity := info.Size() - segmentHeaderSize
	return mapFile(f, capacity)
}

// write gob-encodes table and writes it into the mapped region, then
// fsyncs the backing file. fsync flushes dirty pages for the file
// regardless of whether they were dirtied via write(2) or through the
// mapping, so this is sufficient without an explicit msync call.
func (s *mmapSegment) write(table map[int32]string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(table); err != nil {
		return fmt.Errorf("encode segment table: %w", err)
	}
	if int64(buf.Len()) > s.capacity {
		return fmt.Errorf("encoded table %d bytes exceeds segment capacity %d: %w", buf.Len(), s.capacity, kverr.ErrOutOfCapacity)
	}
	binary.LittleEndian.PutUint64(s.data[:segmentHeaderSize], uint64(buf.Len()))
	copy(s.data[segmentHeaderSize:], buf.Bytes())
	return s.file.Sync()
}

// read decodes the table currently stored in the mapped region. An empty
// or zero-length payload decodes to an empty map.
func (s *mmapSegment) read() (map[int32]string, error) {
	length := binary.LittleEndian.Uint64(s.data[:segmentHeaderSize])
	if length == 0 {
		return map[int32]string{}, nil
	}
	if int64(length) > s.capacity {
		return nil, fmt.Errorf("segment length %d exceeds capacity %d: %w", length, s.capacity, kverr.ErrCorrupt)
	}
	table := make(map[int32]string)
	if err := gob.NewDecoder(bytes.NewReader(s.data[segmentHeaderSize : segmentHeaderSize+int64(length)])).Decode(&table); err != nil {
		return nil, fmt.Errorf("decode segment table: %w", err)
	}
	return table, nil
}

func (s *mmapSegment) close() error {
	if err := syscall.Munmap(s.data); err != nil {
		s.file.Close()
		return fmt.Errorf("munmap: %w", err)
	}
	return s.file.Close()
}

func (s *mmapSegment) remove(path string) error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment %s: %w", path, err)
	}
	return nil
}

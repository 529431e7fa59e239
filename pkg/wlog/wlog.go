package wlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/uni159169/bfs/pkg/syncerrors"
)

const HeaderSize = 4

// Log is an append-only, length-prefixed operation log. Records are
// [uint32 little-endian length][payload] and are identified by the byte
// offset at which they start. The append handle and the read cursor are
// independent file descriptors so replication reads never contend with
// local appends.
type Log struct {
	path string
	w    *os.File
	r    *os.File
	size int64
}

// Open opens (creating if needed) the log at path and positions the read
// cursor at offset 0.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log for append: %w", err)
	}
	st, err := w.Stat()
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("stat log: %w", err)
	}
	r, err := os.Open(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open log for read: %w", err)
	}

	return &Log{path: path, w: w, r: r, size: st.Size()}, nil
}

// Size returns the end offset of the log as of the last Append (or Open).
func (l *Log) Size() int64 {
	return l.size
}

// Append writes one length-prefixed record and syncs it to disk. It returns
// the on-disk size of the record, HeaderSize + len(payload).
func (l *Log) Append(payload []byte) (int64, error) {
	if l.w == nil {
		return 0, syncerrors.ErrClosed
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := l.w.Write(buf); err != nil {
		return 0, fmt.Errorf("append log record: %w", err)
	}
	if err := l.w.Sync(); err != nil {
		return 0, fmt.Errorf("sync log: %w", err)
	}
	n := int64(len(buf))
	l.size += n
	return n, nil
}

// Seek moves the read cursor to the given byte offset.
func (l *Log) Seek(offset int64) error {
	if l.r == nil {
		return syncerrors.ErrClosed
	}
	pos, err := l.r.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek log to %d: %w", offset, err)
	}
	if pos != offset {
		return fmt.Errorf("seek log: wanted %d, got %d", offset, pos)
	}
	return nil
}

// Next reads the record at the cursor and advances past it. It returns
// io.EOF at a clean end of the log, and syncerrors.ErrShortRecord when a
// record is incomplete (partial write at crash); in the short-record case
// the cursor is restored to the start of the broken record and callers
// must treat the log as having no more complete entries.
func (l *Log) Next() ([]byte, error) {
	if l.r == nil {
		return nil, syncerrors.ErrClosed
	}
	start, err := l.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("tell log cursor: %w", err)
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(l.r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, l.rewind(start, syncerrors.ErrShortRecord)
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])

	payload := make([]byte, n)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, l.rewind(start, syncerrors.ErrShortRecord)
		}
		return nil, fmt.Errorf("read record payload: %w", err)
	}
	return payload, nil
}

func (l *Log) rewind(offset int64, cause error) error {
	if _, err := l.r.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("rewind log cursor: %w", err)
	}
	return cause
}

func (l *Log) Close() error {
	var first error
	if l.w != nil {
		if err := l.w.Close(); err != nil {
			first = err
		}
		l.w = nil
	}
	if l.r != nil {
		if err := l.r.Close(); err != nil && first == nil {
			first = err
		}
		l.r = nil
	}
	return first
}

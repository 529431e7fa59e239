package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the applied-offset watermark. Save writes a sibling temp
// file and renames it over the checkpoint, so a crash mid-write never
// corrupts the previous checkpoint. The file holds a single 4-byte
// little-endian offset.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted offset, or 0 when no checkpoint exists yet.
func (s *Store) Load() (int64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("checkpoint %s truncated: %d bytes", s.path, len(data))
	}
	return int64(binary.LittleEndian.Uint32(data)), nil
}

func (s *Store) Save(offset int64) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(offset))

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0600); err != nil {
		return fmt.Errorf("write checkpoint temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// deviceRecord is one attached loopback unit, persisted across invocations
// of this CLI. Nothing about the in-process driver survives between runs —
// each invocation builds a fresh fw.Firmware/loopctl.Controller — so this
// file is what lets a later "list" or "detach" see what an earlier "attach"
// did, standing in for the firmware's own protocol database that would
// otherwise persist for the life of a single UEFI boot session.
type deviceRecord struct {
	Unit        uint32 `json:"unit"`
	ImagePath   string `json:"image_path"`
	ReadOnly    bool   `json:"read_only"`
	WholeDevice bool   `json:"whole_device"`
	NumSectors  uint64 `json:"num_sectors"`
}

type stateFile struct {
	Devices []deviceRecord `json:"devices"`
}

func defaultStatePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lopatch", "state.json"), nil
}

// statePath resolves the registry location: LOPATCH_STATE_FILE if set,
// otherwise a file under the user's cache directory.
func statePath() string {
	if override := os.Getenv("LOPATCH_STATE_FILE"); override != "" {
		return override
	}
	path, err := defaultStatePath()
	if err != nil {
		return filepath.Join(os.TempDir(), "lopatch-state.json")
	}
	return path
}

func loadState(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &stateFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s stateFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *stateFile) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// lowestFreeUnit returns the smallest unit number with no recorded device,
// the registry-backed equivalent of loopctl.Controller.GetFree's search.
func (s *stateFile) lowestFreeUnit() uint32 {
	used := make(map[uint32]bool, len(s.Devices))
	for _, d := range s.Devices {
		used[d.Unit] = true
	}
	for unit := uint32(0); ; unit++ {
		if !used[unit] {
			return unit
		}
	}
}

func (s *stateFile) find(unit uint32) (int, bool) {
	for i, d := range s.Devices {
		if d.Unit == unit {
			return i, true
		}
	}
	return 0, false
}

func (s *stateFile) put(record deviceRecord) {
	if idx, ok := s.find(record.Unit); ok {
		s.Devices[idx] = record
		return
	}
	s.Devices = append(s.Devices, record)
}

func (s *stateFile) remove(unit uint32) {
	idx, ok := s.find(unit)
	if !ok {
		return
	}
	s.Devices = append(s.Devices[:idx], s.Devices[idx+1:]...)
}

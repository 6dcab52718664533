package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"

	"github.com/spf13/afero"
)

func (s *Store) loadState() (State, error) {
	raw, err := afero.ReadFile(s.fs, s.statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, nil
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// SaveState 原子写入统计文件。
func (s *Store) SaveState() error {
	raw, err := json.Marshal(s.Accounting())
	if err != nil {
		return err
	}
	return s.writeAtomic(context.Background(), s.statePath, bytes.NewReader(raw))
}

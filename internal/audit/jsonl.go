package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// #region jsonl
// JSONL appends one JSON object per line. Lines are never rewritten.
type JSONL struct {
	mu   sync.Mutex
	path string
	w    io.Writer
}

// NewJSONL appends to the file at path, creating it and its directory on
// first write.
func NewJSONL(path string) *JSONL {
	return &JSONL{path: path}
}

// NewJSONLWriter appends to w.
func NewJSONLWriter(w io.Writer) *JSONL {
	return &JSONL{w: w}
}

func (j *JSONL) Append(_ context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w != nil {
		_, err := j.w.Write(line)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append audit log: %w", err)
	}
	return f.Close()
}

// #endregion jsonl

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// transcript appends assistant output and invocation markers to a
// transcript.jsonl file. Every line written is a JSON object.
type transcript struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func openTranscript(path string) (*transcript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &transcript{f: f, path: path}, nil
}

// event writes a marker record such as {"type":"retry",...}.
func (t *transcript) event(kind string, fields map[string]any) error {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["type"] = kind
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.write(data)
}

// output records one stdout line. Lines that are not JSON objects are
// wrapped as {"type":"text","text":...}.
func (t *transcript) output(line []byte) error {
	if len(line) > 0 && line[0] == '{' && json.Valid(line) {
		return t.write(line)
	}
	data, err := json.Marshal(map[string]string{"type": "text", "text": string(line)})
	if err != nil {
		return err
	}
	return t.write(data)
}

func (t *transcript) write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	_, err := t.f.Write(buf)
	return err
}

func (t *transcript) Close() error {
	return t.f.Close()
}

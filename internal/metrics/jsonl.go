package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLSink implements Sink as an append-only newline-delimited JSON log.
// One os.File opened O_APPEND; writes are serialized by mu since multiple
// goroutines (reconciler, reactive consumers, control surface) record
// concurrently.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink opens (creating if necessary) the event log at path.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	return &JSONLSink{file: f}, nil
}

func (j *JSONLSink) Record(e Event) {
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.file.Write(line)
}

// Close closes the underlying file.
func (j *JSONLSink) Close() error {
	return j.file.Close()
}

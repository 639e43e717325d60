package metrics

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONLSinkAppendsOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink() error = %v", err)
	}

	sink.Record(Event{Event: EventRunnerStart, Timestamp: time.Now(), InstanceID: "fleet-non-reactive-a"})
	sink.Record(Event{Event: EventRunnerStop, Timestamp: time.Now(), InstanceID: "fleet-non-reactive-a", Reason: "scale-down"})

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Event != EventRunnerStart {
		t.Errorf("first.Event = %q, want %q", first.Event, EventRunnerStart)
	}

	var second Event
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if second.Reason != "scale-down" {
		t.Errorf("second.Reason = %q, want %q", second.Reason, "scale-down")
	}
}

func TestJSONLSinkAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	first, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink() error = %v", err)
	}
	first.Record(Event{Event: EventRunnerStart, Timestamp: time.Now()})
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink() (reopen) error = %v", err)
	}
	second.Record(Event{Event: EventRunnerStop, Timestamp: time.Now()})
	if err := second.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 (reopen must append, not truncate)", count)
	}
}

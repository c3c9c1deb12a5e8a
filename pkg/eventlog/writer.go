// Package eventlog appends every routed message to a daily JSONL file.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hdlforge/pkg/logx"
	"hdlforge/pkg/proto"
)

// Record is one line of the event log: the message envelope plus who it was sent to.
type Record struct {
	proto.Envelope
	Receivers []string `json:"receivers"`
}

// Writer handles structured logging of routed messages to daily rotated JSON log files.
type Writer struct {
	now         func() time.Time
	currentFile *os.File
	logger      *logx.Logger
	logDir      string
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a new event log writer with daily rotation in the specified directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &Writer{
		logDir: logDir,
		now:    time.Now,
		logger: logx.NewLogger("eventlog"),
	}

	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}

	return writer, nil
}

// WriteMessage appends msg with its receivers to the current log file.
func (w *Writer) WriteMessage(msg *proto.Message, receivers []string) error {
	env, err := proto.ToEnvelope(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	line, err := json.Marshal(Record{Envelope: *env, Receivers: receivers})
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if _, err := w.currentFile.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return nil
}

// Tap returns a router observer that logs every message. Write failures are
// logged and never interrupt delivery.
func (w *Writer) Tap() func(msg *proto.Message, receivers []string) {
	return func(msg *proto.Message, receivers []string) {
		if err := w.WriteMessage(msg, receivers); err != nil {
			w.logger.Warn("⚠️ Event log write failed for %s: %v", msg, err)
		}
	}
}

func (w *Writer) rotateIfNeeded() error {
	newDate := w.now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fileName(newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file and cleans up resources.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// GetCurrentLogFile returns the path of the currently active log file.
func (w *Writer) GetCurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

func fileName(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

// ReadRecords reads and parses the records of one log file.
func ReadRecords(logFilePath string) ([]Record, error) {
	data, err := os.ReadFile(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	records := []Record{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return records, nil
}

// ReadMessages reads a log file and rebuilds the typed messages.
func ReadMessages(logFilePath string) ([]*proto.Message, error) {
	records, err := ReadRecords(logFilePath)
	if err != nil {
		return nil, err
	}
	messages := make([]*proto.Message, 0, len(records))
	for i := range records {
		msg, err := records[i].Message()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ListLogFiles returns all event log files in the log directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}

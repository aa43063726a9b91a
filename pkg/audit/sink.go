package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MemorySink keeps the chain in memory. Suitable for tests and single-run
// tooling; production deployments use FileSink.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemorySink) Read(from, to int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 || to > len(s.events) || from > to {
		return nil, fmt.Errorf("audit: range [%d,%d) out of bounds (len %d)", from, to, len(s.events))
	}
	out := make([]Event, to-from)
	copy(out, s.events[from:to])
	return out, nil
}

func (s *MemorySink) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

func (s *MemorySink) Close() error {
	return nil
}

// Tamper overwrites a stored event in place. Test-only helper for chain
// verification tests.
func (s *MemorySink) Tamper(index int, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.events) {
		mutate(&s.events[index])
	}
}

// FileSink appends events to a JSONL file. Existing events are loaded at
// startup so the chain can continue across restarts.
type FileSink struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	writer *bufio.Writer
	events []Event
}

func NewFileSink(path string) (*FileSink, error) {
	s := &FileSink{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open sink file: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	return s, nil
}

func (s *FileSink) load() error {
	file, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: failed to open sink file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("audit: corrupt sink line: %w", err)
		}
		s.events = append(s.events, event)
	}
	return scanner.Err()
}

func (s *FileSink) Append(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(line); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *FileSink) Read(from, to int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 || to > len(s.events) || from > to {
		return nil, fmt.Errorf("audit: range [%d,%d) out of bounds (len %d)", from, to, len(s.events))
	}
	out := make([]Event, to-from)
	copy(out, s.events[from:to])
	return out, nil
}

func (s *FileSink) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

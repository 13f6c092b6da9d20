package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMaxJournalSize is the size at which the journal rotates (100MB).
	DefaultMaxJournalSize = 100 * 1024 * 1024
	// JournalExtension is the journal file extension.
	JournalExtension = ".jsonl"
	// ArchiveDir holds rotated journals next to the live file.
	ArchiveDir = "archive"
)

// Entry is one line of the call journal.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	RequestID int64                  `json:"request_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Operator  string                 `json:"operator,omitempty"`
	Queue     string                 `json:"queue,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Checksum  string                 `json:"checksum,omitempty"`
}

// Journal is an append-only JSONL record of call lifecycle events with
// size-based rotation.
type Journal struct {
	mu             sync.Mutex
	file           *os.File
	currentSize    int64
	maxSize        int64
	path           string
	enableChecksum bool
	rotations      int
	log            zerolog.Logger
}

// NewJournal opens (or creates) the journal at path.
func NewJournal(path string, maxSize int64, logger zerolog.Logger) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{
		path:    path,
		maxSize: maxSize,
		log:     logger.With().Str("component", "journal").Logger(),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// Attach subscribes the journal to every event type on bus and returns the
// unsubscribe function.
func (j *Journal) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := j.Record(e); err != nil {
			j.log.Error().Err(err).Str("event_type", string(e.Type)).Msg("journal_write_failed")
		}
	})
}

// Record writes one bus event, lifting the common identifiers out of its
// payload.
func (j *Journal) Record(e Event) error {
	entry := Entry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   e.Data,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if id, ok := e.Data["request_id"].(int64); ok {
		entry.RequestID = id
	}
	if v, ok := e.Data["session_id"].(string); ok {
		entry.SessionID = v
	}
	if v, ok := e.Data["operator"].(string); ok {
		entry.Operator = v
	}
	if v, ok := e.Data["queue"].(string); ok {
		entry.Queue = v
	}
	return j.WriteEntry(&entry)
}

// WriteEntry appends entry and syncs the file.
func (j *Journal) WriteEntry(entry *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if j.enableChecksum {
		entry.Checksum = checksum(entry)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotations, JournalExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

func checksum(entry *Entry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// EnableChecksum turns per-entry checksums on or off.
func (j *Journal) EnableChecksum(enable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enableChecksum = enable
}

// VerifyJournal counts the decodable entries in path and how many of them
// pass their checksum. Entries without a checksum count as valid.
func VerifyJournal(path string) (total, valid int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	for dec.More() {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			return total, valid, fmt.Errorf("decode journal entry %d: %w", total+1, err)
		}
		total++
		if entry.Checksum == "" || entry.Checksum == checksum(&entry) {
			valid++
		}
	}
	return total, valid, nil
}

// Size returns the live file's size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

// Path returns the live file's path.
func (j *Journal) Path() string { return j.path }

// Close syncs and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/overlay"
)

// Entry is one line of the playback log
type Entry struct {
	At         time.Time     `json:"at"`
	From       overlay.State `json:"from"`
	To         overlay.State `json:"to"`
	Event      overlay.Event `json:"event"`
	DonationID string        `json:"donation_id,omitempty"`
	Username   string        `json:"username,omitempty"`
	Amount     float64       `json:"amount,omitempty"`
	Type       string        `json:"type,omitempty"`
}

// EntryFromTransition flattens an overlay transition into a log entry
func EntryFromTransition(tr overlay.Transition) Entry {
	e := Entry{At: tr.At.UTC(), From: tr.From, To: tr.To, Event: tr.Event}
	if d := tr.Donation; d != nil {
		e.DonationID = d.ID
		e.Username = d.Username
		e.Amount = d.Amount
		e.Type = string(d.Type)
	}
	return e
}

// fileWriter manages a single JSONL file
type fileWriter struct {
	file         *os.File
	writer       *bufio.Writer
	createdAt    time.Time
	bytesWritten int64
	buffer       []Entry
	filename     string
}

// Config configures a Recorder
type Config struct {
	OutputDir       string
	BufferSize      int
	RotateMinutes   int
	RotateMegabytes int
	CheckInterval   time.Duration // How often rotation is checked; buffers are flushed at the same pace
	Clock           clock.Clock
	Logger          logging.Logger
}

// Recorder writes overlay transitions to rotating JSONL files and hands
// closed files to the uploader
type Recorder struct {
	outputDir     string
	bufferSize    int
	rotateAfter   time.Duration
	rotateBytes   int64
	checkInterval time.Duration
	clock         clock.Clock
	log           logging.Entry

	current *fileWriter
	mu      sync.Mutex
}

// New creates a new recorder
func New(cfg Config) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.RotateMinutes <= 0 {
		cfg.RotateMinutes = 60
	}
	if cfg.RotateMegabytes <= 0 {
		cfg.RotateMegabytes = 100
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Recorder{
		outputDir:     cfg.OutputDir,
		bufferSize:    cfg.BufferSize,
		rotateAfter:   time.Duration(cfg.RotateMinutes) * time.Minute,
		rotateBytes:   int64(cfg.RotateMegabytes) * 1024 * 1024,
		checkInterval: cfg.CheckInterval,
		clock:         cfg.Clock,
		log:           logging.Component(cfg.Logger, "recorder"),
	}
}

// Start records entries until ctx is done, then flushes and queues the last file
func (r *Recorder) Start(ctx context.Context, entries <-chan Entry, fileChan chan<- string) error {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-entries:
			if err := r.Record(e); err != nil {
				r.log.WithError(err).Error("Error recording entry")
			}

		case <-ticker.C:
			r.CheckRotation(fileChan)

		case <-ctx.Done():
			r.log.Info("Recorder shutting down, flushing buffers...")
			r.Close(fileChan)
			return ctx.Err()
		}
	}
}

// Record buffers one entry, flushing when the buffer is full
func (r *Recorder) Record(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		fw, err := r.createFileWriter()
		if err != nil {
			return fmt.Errorf("create file writer: %w", err)
		}
		r.current = fw
	}

	r.current.buffer = append(r.current.buffer, e)
	if len(r.current.buffer) >= r.bufferSize {
		if err := r.flush(r.current); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}
	return nil
}

func (r *Recorder) createFileWriter() (*fileWriter, error) {
	now := r.clock.Now()
	filename := fmt.Sprintf("playback_%s.jsonl", now.UTC().Format("20060102_150405"))
	path := filepath.Join(r.outputDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	r.log.WithField("file", filename).Info("Created new playback log")

	return &fileWriter{
		file:      file,
		writer:    bufio.NewWriter(file),
		createdAt: now,
		buffer:    make([]Entry, 0, r.bufferSize),
		filename:  filename,
	}, nil
}

// flush writes buffered entries to disk
func (r *Recorder) flush(fw *fileWriter) error {
	for _, e := range fw.buffer {
		data, err := json.Marshal(e)
		if err != nil {
			r.log.WithError(err).Warn("Error marshaling entry")
			continue
		}
		data = append(data, '\n')

		n, err := fw.writer.Write(data)
		fw.bytesWritten += int64(n)
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
	}
	fw.buffer = fw.buffer[:0]
	return fw.writer.Flush()
}

// CheckRotation flushes the current file and rotates it once it is too old or
// too large
func (r *Recorder) CheckRotation(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fw := r.current
	if fw == nil {
		return
	}
	if err := r.flush(fw); err != nil {
		r.log.WithError(err).Error("Error flushing playback log")
	}

	log := r.log.WithField("file", fw.filename)
	switch {
	case r.clock.Now().Sub(fw.createdAt) >= r.rotateAfter:
		log.Info("Rotating file (time limit)")
	case fw.bytesWritten >= r.rotateBytes:
		log.Info("Rotating file (size limit)")
	default:
		return
	}
	r.closeLocked(fw, fileChan)
}

// Close flushes and closes the current file and queues it for upload
func (r *Recorder) Close(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		if err := r.flush(r.current); err != nil {
			r.log.WithError(err).Error("Error flushing playback log")
		}
		r.closeLocked(r.current, fileChan)
	}
	r.log.Info("All files flushed and closed")
}

// closeLocked closes fw and queues it. The next entry opens a new file.
func (r *Recorder) closeLocked(fw *fileWriter, fileChan chan<- string) {
	if err := fw.file.Close(); err != nil {
		r.log.WithError(err).Error("Error closing file")
	}
	r.current = nil
	if fileChan == nil {
		return
	}

	path := filepath.Join(r.outputDir, fw.filename)
	select {
	case fileChan <- path:
		r.log.WithField("file", fw.filename).Info("Queued file for upload")
	default:
		r.log.WithField("file", fw.filename).Warn("Upload queue full, file will be uploaded later")
	}
}

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	batchSize  = 10 // Number of frames to batch write
	framesFile = "frames.json"
)

// Document is the content of frames.json.
type Document struct {
	Run    Run     `json:"run"`
	Frames []Frame `json:"frames"`
}

// FileStorage batches frame records into <dir>/frames.json.
type FileStorage struct {
	mu      sync.Mutex
	dir     string
	run     Run
	pending []Frame
}

// NewFileStorage starts a fresh frames.json for run, replacing any earlier one.
func NewFileStorage(dir string, run Run) (*FileStorage, error) {
	s := &FileStorage{dir: dir, run: run}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for frames: %w", err)
	}
	if err := s.write(Document{Run: run, Frames: []Frame{}}); err != nil {
		return nil, err
	}
	return s, nil
}

// Path is the JSON file the frames are written to.
func (s *FileStorage) Path() string {
	return filepath.Join(s.dir, framesFile)
}

// AddFrame adds a frame to the batch and flushes if the batch is full
func (s *FileStorage) AddFrame(ctx context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame.RunID = s.run.ID
	s.pending = append(s.pending, frame)

	if len(s.pending) >= batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes all pending frames to disk
func (s *FileStorage) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *FileStorage) Close() {}

func (s *FileStorage) flush() error {
	if len(s.pending) == 0 {
		return nil
	}

	doc, err := Load(s.Path())
	if err != nil {
		return err
	}
	doc.Frames = append(doc.Frames, s.pending...)

	if err := s.write(doc); err != nil {
		return err
	}
	s.pending = nil // Clear the batch
	return nil
}

func (s *FileStorage) write(doc Document) error {
	file, err := os.Create(s.Path())
	if err != nil {
		return fmt.Errorf("failed to create frames file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode frames: %w", err)
	}
	return file.Close()
}

// Load reads a frames.json file.
func Load(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("failed to read frames file: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to unmarshal frames: %w", err)
	}
	return doc, nil
}

// SimilarTo searches the frames already written to frames.json.
func (s *FileStorage) SimilarTo(ctx context.Context, index, limit int) ([]SimilarFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flush(); err != nil {
		return nil, err
	}

	doc, err := Load(s.Path())
	if err != nil {
		return nil, err
	}
	for _, f := range doc.Frames {
		if f.Index == index {
			return nearest(doc.Frames, f.Vector(), index, limit), nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrFrameNotFound, index)
}

package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/jagveer-loky/ab2d/ab2d/models"
)

// StreamHelper writes NDJSON export output, splitting data files on record
// count or byte size and funneling failures into a single lazily created
// error file. Safe for concurrent use; the patient pool writes through it
// from many goroutines.
type StreamHelper struct {
	mu sync.Mutex

	dir            string
	contractNumber string
	resourceType   string
	maxBytes       int64
	maxRecords     int

	file    *os.File
	hasher  hash.Hash
	written int64
	records int
	index   int

	errFile    *os.File
	errHasher  hash.Hash
	errWritten int64

	outputs []models.JobOutput
	closed  bool
}

func NewStreamHelper(dir, contractNumber, resourceType string, maxBytes int64, maxRecords int) *StreamHelper {
	return &StreamHelper{
		dir:            dir,
		contractNumber: contractNumber,
		resourceType:   resourceType,
		maxBytes:       maxBytes,
		maxRecords:     maxRecords,
	}
}

// AddData appends one resource line to the current data file, rolling to the
// next file when the current one is full.
func (s *StreamHelper) AddData(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("stream helper already closed")
	}

	needed := int64(len(line)) + 1
	if s.file != nil && (s.records >= s.maxRecords || s.written+needed > s.maxBytes) {
		if err := s.closeCurrent(); err != nil {
			return err
		}
	}
	if s.file == nil {
		if err := s.openNext(); err != nil {
			return err
		}
	}

	record := append(line, '\n')
	n, err := s.file.Write(record)
	if err != nil {
		return errors.Wrap(err, "failed to write export data")
	}
	s.hasher.Write(record)
	s.written += int64(n)
	s.records++
	return nil
}

// AddError appends one operation outcome line to the error file, creating it
// on first use. The error file never splits.
func (s *StreamHelper) AddError(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("stream helper already closed")
	}

	if s.errFile == nil {
		f, err := os.OpenFile(filepath.Join(s.dir, s.errorFileName()), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
		if err != nil {
			return errors.Wrap(err, "failed to create error file")
		}
		s.errFile = f
		s.errHasher = sha256.New()
	}

	record := append(line, '\n')
	n, err := s.errFile.Write(record)
	if err != nil {
		return errors.Wrap(err, "failed to write error data")
	}
	s.errHasher.Write(record)
	s.errWritten += int64(n)
	return nil
}

// Close finalizes any open streams and seals the helper. Writes after Close
// fail. Safe to call more than once.
func (s *StreamHelper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.file != nil {
		if err := s.closeCurrent(); err != nil {
			return err
		}
	}
	if s.errFile != nil {
		if err := s.errFile.Close(); err != nil {
			return errors.Wrap(err, "failed to close error file")
		}
		s.outputs = append(s.outputs, models.JobOutput{
			FilePath:     s.errorFileName(),
			ResourceType: "OperationOutcome",
			Checksum:     hex.EncodeToString(s.errHasher.Sum(nil)),
			FileLength:   s.errWritten,
			Error:        true,
		})
		s.errFile = nil
	}
	return nil
}

// Outputs returns descriptors for every closed file, data files in creation
// order followed by the error file. Call after Close.
func (s *StreamHelper) Outputs() []models.JobOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}

func (s *StreamHelper) openNext() error {
	s.index++
	f, err := os.OpenFile(filepath.Join(s.dir, s.dataFileName(s.index)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return errors.Wrap(err, "failed to create export file")
	}
	s.file = f
	s.hasher = sha256.New()
	s.written = 0
	s.records = 0
	return nil
}

func (s *StreamHelper) closeCurrent() error {
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, "failed to close export file")
	}
	s.outputs = append(s.outputs, models.JobOutput{
		FilePath:     s.dataFileName(s.index),
		ResourceType: s.resourceType,
		Checksum:     hex.EncodeToString(s.hasher.Sum(nil)),
		FileLength:   s.written,
	})
	s.file = nil
	return nil
}

func (s *StreamHelper) dataFileName(index int) string {
	return fmt.Sprintf("%s_%04d.ndjson", s.contractNumber, index)
}

func (s *StreamHelper) errorFileName() string {
	return fmt.Sprintf("%s_error.ndjson", s.contractNumber)
}

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
)

// Stream is the recording of one camera within a session. A format change
// closes the current segment and opens the next one.
//
// With several directories a frame counts as written once any of them took
// it. A directory that fails while another succeeds is dropped until the next
// segment, so every file stays a clean prefix of the stream.
type Stream struct {
	Index  int
	Serial string

	dirs    []string
	writers []*Writer
	segment int
	format  Header
	frames  uint64
	files   []string
	dropped int
}

// NewStream records into every directory of dirs. Files are created on the
// first write.
func NewStream(dirs []string, index int, serial string) *Stream {
	return &Stream{
		Index:   index,
		Serial:  serial,
		dirs:    dirs,
		segment: -1,
	}
}

func (s *Stream) Write(frame []byte, width, height, bpp int) error {
	h := NewHeader(s.Serial, width, height, bpp)
	if s.writers == nil || h != s.format {
		if err := s.rotate(h); err != nil {
			return err
		}
	}
	var (
		errs []error
		kept []*Writer
	)
	for _, w := range s.writers {
		if err := w.Write(frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Path(), err))
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		s.dropFailed(kept, errors.Join(errs...))
	}
	s.frames++
	return nil
}

// dropFailed keeps only the writers in kept and closes the others.
func (s *Stream) dropFailed(kept []*Writer, err error) {
	for _, w := range s.writers {
		if !slices.Contains(kept, w) {
			_ = w.Close()
			s.dropped++
		}
	}
	s.writers = kept
	logger.Warnf("camera %d: mirror dropped until next segment: %v", s.Index, err)
}

func (s *Stream) rotate(h Header) error {
	if err := s.closeWriters(); err != nil {
		logger.Warnf("close segment of camera %d: %v", s.Index, err)
	}
	next := s.segment + 1
	writers := make([]*Writer, 0, len(s.dirs))
	files := make([]string, 0, len(s.dirs))
	for _, dir := range s.dirs {
		p := filepath.Join(dir, FileName(s.Index, s.Serial, next))
		w, err := Create(p, h)
		if err != nil {
			for _, o := range writers {
				_ = o.Close()
			}
			return err
		}
		writers = append(writers, w)
		files = append(files, p)
	}
	s.segment = next
	s.format = h
	s.writers = writers
	s.files = append(s.files, files...)
	if next > 0 {
		logger.Infof("camera %d format changed to %dx%d@%dbpp, segment %d",
			s.Index, h.Width, h.Height, h.BitsPerPixel, next)
	}
	return nil
}

func (s *Stream) closeWriters() error {
	var errs []error
	for _, w := range s.writers {
		errs = append(errs, w.Close())
	}
	s.writers = nil
	return errors.Join(errs...)
}

// Frames returns the number of frames written over all segments.
func (s *Stream) Frames() uint64 {
	return s.frames
}

// Segments returns the number of segments opened so far.
func (s *Stream) Segments() int {
	return s.segment + 1
}

// DroppedMirrors counts the files abandoned after a write error while another
// directory kept recording.
func (s *Stream) DroppedMirrors() int {
	return s.dropped
}

func (s *Stream) Files() []string {
	return s.files
}

func (s *Stream) Close() error {
	return s.closeWriters()
}

package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"rig-shutter/pkg/storage/consts"
)

var (
	ErrFrameSize = errors.New("frame size does not match stream format")
	ErrBadHeader = errors.New("not a raw stream")
)

// Header prefixes every raw stream file. It is stored little endian.
type Header struct {
	Magic        [8]byte
	Version      uint16
	BitsPerPixel uint16
	Width        uint32
	Height       uint32
	Serial       [consts.SerialLen]byte
}

// HeaderSize is the encoded size of Header in bytes.
var HeaderSize = binary.Size(Header{})

func NewHeader(serial string, width, height, bpp int) Header {
	h := Header{
		Version:      consts.RawVersion,
		BitsPerPixel: uint16(bpp),
		Width:        uint32(width),
		Height:       uint32(height),
	}
	copy(h.Magic[:], consts.RawMagic)
	copy(h.Serial[:], serial)
	return h
}

func (h Header) FrameSize() int {
	return int(h.Width) * int(h.Height) * int(h.BitsPerPixel) / 8
}

func (h Header) SerialString() string {
	return strings.TrimRight(string(h.Serial[:]), "\x00")
}

func (h Header) valid() bool {
	return string(h.Magic[:]) == consts.RawMagic && h.Version == consts.RawVersion && h.FrameSize() > 0
}

// FileName returns the stream file name of a camera. Segment 0 carries no
// segment suffix.
func FileName(index int, serial string, segment int) string {
	if segment == 0 {
		return fmt.Sprintf("cam%d-%s%s", index, safeSerial(serial), consts.RawExt)
	}
	return fmt.Sprintf("cam%d-%s.%d%s", index, safeSerial(serial), segment, consts.RawExt)
}

func safeSerial(serial string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, serial)
	return strings.Trim(s, "_")
}

// Writer appends fixed-size frames to a raw stream file.
type Writer struct {
	path   string
	f      *os.File
	bw     *bufio.Writer
	header Header
	frames uint64
}

func Create(path string, h Header) (*Writer, error) {
	if h.FrameSize() <= 0 {
		return nil, fmt.Errorf("create %s: %w", path, ErrFrameSize)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, consts.DefaultFilePerm)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, h.FrameSize()+HeaderSize)
	if err = binary.Write(bw, binary.LittleEndian, h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &Writer{
		path:   path,
		f:      f,
		bw:     bw,
		header: h,
	}, nil
}

// Write appends one frame. frame must be exactly one frame long.
func (w *Writer) Write(frame []byte) error {
	if len(frame) != w.header.FrameSize() {
		return fmt.Errorf("%w: got %d, want %d", ErrFrameSize, len(frame), w.header.FrameSize())
	}
	if _, err := w.bw.Write(frame); err != nil {
		return err
	}
	w.frames++
	return nil
}

func (w *Writer) Frames() uint64 {
	return w.frames
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Header() Header {
	return w.header
}

func (w *Writer) Close() error {
	err := w.bw.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader reads frames back from a raw stream file.
type Reader struct {
	f      *os.File
	br     *bufio.Reader
	header Header
	size   int64
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &Reader{
		f:    f,
		br:   bufio.NewReader(f),
		size: st.Size(),
	}
	if err = binary.Read(r.br, binary.LittleEndian, &r.header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrBadHeader)
	}
	if !r.header.valid() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrBadHeader)
	}

	return r, nil
}

func (r *Reader) Header() Header {
	return r.header
}

// Frames returns the number of complete frames in the file.
func (r *Reader) Frames() int {
	return int((r.size - int64(HeaderSize)) / int64(r.header.FrameSize()))
}

// Next reads the next frame into dst, growing it if needed. It returns io.EOF
// after the last complete frame.
func (r *Reader) Next(dst []byte) ([]byte, error) {
	n := r.header.FrameSize()
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	if _, err := io.ReadFull(r.br, dst); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return dst, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// Package capture reads frames incrementally from growing pcap files.
package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/lossmon/internal/core"
)

const (
	fileHeaderLen   = 24
	recordHeaderLen = 16
	maxRecordLen    = 1 << 20

	magicMicroseconds = 0xa1b2c3d4
	magicNanoseconds  = 0xa1b23c4d
)

// Source yields frames one at a time without blocking.
type Source interface {
	// Poll returns the next frame. ok is false when no complete frame is
	// available yet. A non-nil error is fatal for the source.
	Poll() (frame core.RawFrame, ok bool, err error)
	Close() error
}

// fileFormat is what the global header tells us about every record.
type fileFormat struct {
	order    binary.ByteOrder
	nanos    bool
	linkType layers.LinkType
}

// FileSource tails a classic pcap file written by an external capture
// process. The file may not exist yet and may keep growing.
//
// Records are read with ReadAt at an offset the source tracks itself, and
// only once the whole record is on disk. Nothing is buffered between polls,
// so a writer that is mid-record never desynchronizes the stream.
type FileSource struct {
	path string
	side core.Side

	file   *os.File
	off    int64
	format fileFormat
	closed bool
}

// NewFileSource creates a source for path. Nothing is opened until Poll.
func NewFileSource(path string, side core.Side) *FileSource {
	return &FileSource{path: path, side: side}
}

// Poll implements Source.
func (s *FileSource) Poll() (core.RawFrame, bool, error) {
	if s.closed {
		return core.RawFrame{}, false, core.ErrSourceClosed
	}

	if s.file == nil {
		opened, err := s.open()
		if err != nil || !opened {
			return core.RawFrame{}, false, err
		}
	}

	hdr, ready, err := s.nextRecord()
	if err != nil {
		s.Close()
		return core.RawFrame{}, false, err
	}
	if !ready {
		return core.RawFrame{}, false, nil
	}

	// Snaplen is not enforced; maxRecordLen bounds every record.
	capLen := s.format.order.Uint32(hdr[8:12])
	data := make([]byte, capLen)
	if _, err := s.file.ReadAt(data, s.off+recordHeaderLen); err != nil {
		s.Close()
		return core.RawFrame{}, false, fmt.Errorf("%s capture %s: %w: %v", s.side, s.path, core.ErrSourceLost, err)
	}
	s.off += recordHeaderLen + int64(capLen)

	return core.RawFrame{
		Data:      data,
		Timestamp: s.format.timestamp(hdr),
		LinkType:  uint16(s.format.linkType),
		OrigLen:   s.format.order.Uint32(hdr[12:16]),
	}, true, nil
}

// Close releases the file handle. Further polls return ErrSourceClosed.
func (s *FileSource) Close() error {
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// open opens the file once it exists and holds a complete global header.
func (s *FileSource) open() (bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		// Not there yet (or not readable yet): the testbed is still starting.
		return false, nil
	}

	info, err := f.Stat()
	if err != nil || info.Size() < fileHeaderLen {
		f.Close()
		return false, nil
	}

	format, err := readFileHeader(f)
	if err != nil {
		f.Close()
		return false, fmt.Errorf("%s capture %s: %w", s.side, s.path, err)
	}

	s.file, s.off, s.format = f, fileHeaderLen, format
	slog.Info("capture opened", "side", s.side, "path", s.path,
		"link_type", format.linkType.String(), "nanosecond", format.nanos)
	return true, nil
}

// readFileHeader validates the 24-byte global header. pcapgo only ever sees
// the header section, so it cannot read ahead into records.
func readFileHeader(f io.ReaderAt) (fileFormat, error) {
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return fileFormat{}, fmt.Errorf("%w: %v", core.ErrUnsupportedFormat, err)
	}
	order, nanos, err := byteOrder(magic)
	if err != nil {
		return fileFormat{}, err
	}

	reader, err := pcapgo.NewReader(io.NewSectionReader(f, 0, fileHeaderLen))
	if err != nil {
		return fileFormat{}, fmt.Errorf("%w: %v", core.ErrUnsupportedFormat, err)
	}
	return fileFormat{order: order, nanos: nanos, linkType: reader.LinkType()}, nil
}

// nextRecord returns the header of the record at the current offset once
// the whole record is on disk.
func (s *FileSource) nextRecord() ([recordHeaderLen]byte, bool, error) {
	var hdr [recordHeaderLen]byte

	info, err := s.file.Stat()
	if err != nil {
		return hdr, false, fmt.Errorf("%s capture %s: %w: %v", s.side, s.path, core.ErrSourceLost, err)
	}
	size := info.Size()
	if size < s.off {
		return hdr, false, fmt.Errorf("%s capture %s: %w: truncated to %d bytes below offset %d",
			s.side, s.path, core.ErrSourceLost, size, s.off)
	}

	if size-s.off >= recordHeaderLen {
		if _, err := s.file.ReadAt(hdr[:], s.off); err != nil {
			return hdr, false, fmt.Errorf("%s capture %s: %w: %v", s.side, s.path, core.ErrSourceLost, err)
		}
		capLen := s.format.order.Uint32(hdr[8:12])
		if capLen > maxRecordLen {
			return hdr, false, fmt.Errorf("%s capture %s: %w: record at offset %d claims %d bytes",
				s.side, s.path, core.ErrUnsupportedFormat, s.off, capLen)
		}
		if size-s.off-recordHeaderLen >= int64(capLen) {
			return hdr, true, nil
		}
	}

	// At the current end of data: make sure the artifact is still there.
	pathInfo, err := os.Stat(s.path)
	if err != nil {
		return hdr, false, fmt.Errorf("%s capture %s: %w: %v", s.side, s.path, core.ErrSourceLost, err)
	}
	if !os.SameFile(info, pathInfo) {
		return hdr, false, fmt.Errorf("%s capture %s: %w: file replaced", s.side, s.path, core.ErrSourceLost)
	}
	return hdr, false, nil
}

func (f fileFormat) timestamp(hdr [recordHeaderLen]byte) time.Time {
	sec := int64(f.order.Uint32(hdr[0:4]))
	frac := int64(f.order.Uint32(hdr[4:8]))
	if !f.nanos {
		frac *= int64(time.Microsecond)
	}
	return time.Unix(sec, frac).UTC()
}

func byteOrder(magic [4]byte) (binary.ByteOrder, bool, error) {
	switch binary.LittleEndian.Uint32(magic[:]) {
	case magicMicroseconds:
		return binary.LittleEndian, false, nil
	case magicNanoseconds:
		return binary.LittleEndian, true, nil
	}
	switch binary.BigEndian.Uint32(magic[:]) {
	case magicMicroseconds:
		return binary.BigEndian, false, nil
	case magicNanoseconds:
		return binary.BigEndian, true, nil
	}
	return nil, false, fmt.Errorf("%w: magic %x", core.ErrUnsupportedFormat, magic)
}

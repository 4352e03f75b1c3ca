// Package source provides byte sources for the observer pipeline: a local
// serial port, a serial-over-TCP bridge, and capture file replay. Each
// yields raw bus bytes stamped with their arrival time.
package source

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/goburrow/serial"

	"github.com/willglynn/taptap/internal/capture"
	"github.com/willglynn/taptap/internal/domain"
)

// The bus runs at 38400 baud, 8N1.
const (
	busBaudRate = 38400
	busDataBits = 8
	busStopBits = 1
	busParity   = "N"
)

// readerSource adapts an io.ReadCloser into a ByteSource, stamping chunks
// as they arrive.
type readerSource struct {
	rc  io.ReadCloser
	now func() time.Time
}

func (s *readerSource) Read(buf []byte) (int, time.Time, error) {
	n, err := s.rc.Read(buf)
	return n, s.now(), err
}

func (s *readerSource) Close() error {
	return s.rc.Close()
}

// OpenSerial opens a local serial port as a byte source.
func OpenSerial(device string) (domain.ByteSource, error) {
	port, err := serial.Open(&serial.Config{
		Address:  device,
		BaudRate: busBaudRate,
		DataBits: busDataBits,
		StopBits: busStopBits,
		Parity:   busParity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	return &readerSource{rc: port, now: time.Now}, nil
}

// OpenTCP connects to a serial-over-TCP bridge as a byte source.
func OpenTCP(address string) (domain.ByteSource, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &readerSource{rc: conn, now: time.Now}, nil
}

// FromReader wraps any reader as a byte source, stamping chunks with the
// current time. Useful for tests and for reading raw dumps on stdin.
func FromReader(rc io.ReadCloser) domain.ByteSource {
	return &readerSource{rc: rc, now: time.Now}
}

// replaySource replays a capture file, delivering each record with its
// original timestamp.
type replaySource struct {
	file    *os.File
	reader  *capture.Reader
	pending []byte
	at      time.Time
}

// OpenReplay opens a capture file as a byte source.
func OpenReplay(path string) (domain.ByteSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	reader, err := capture.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read capture file: %w", err)
	}
	return &replaySource{file: file, reader: reader}, nil
}

func (s *replaySource) Read(buf []byte) (int, time.Time, error) {
	if len(s.pending) == 0 {
		data, at, err := s.reader.Next()
		if err != nil {
			return 0, time.Time{}, err
		}
		s.pending, s.at = data, at
	}

	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, s.at, nil
}

func (s *replaySource) Close() error {
	s.reader.Close()
	return s.file.Close()
}

// Recorder tees a byte source into a capture writer.
type Recorder struct {
	source domain.ByteSource
	writer *capture.Writer
	file   *os.File
}

// NewRecorder wraps source, appending everything read to a capture file at
// path.
func NewRecorder(src domain.ByteSource, path string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	writer, err := capture.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Recorder{source: src, writer: writer, file: file}, nil
}

func (r *Recorder) Read(buf []byte) (int, time.Time, error) {
	n, at, err := r.source.Read(buf)
	if n > 0 {
		if werr := r.writer.Write(buf[:n], at); werr != nil {
			return n, at, werr
		}
	}
	return n, at, err
}

func (r *Recorder) Close() error {
	err := r.source.Close()
	if cerr := r.writer.Close(); err == nil {
		err = cerr
	}
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

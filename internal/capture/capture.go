// Package capture reads and writes bus capture files: a gzip stream of
// length- and timestamp-framed byte records, suitable for replaying a
// monitoring session through the observer.
package capture

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// headerComment tags capture files in the gzip header.
const headerComment = "taptap capture"

// recordHeaderSize is the per-record framing: data length (u16) plus
// milliseconds since epoch (u64), both big-endian.
const recordHeaderSize = 10

// Writer appends timestamped byte records to a capture stream.
type Writer struct {
	gz *gzip.Writer
}

// NewWriter creates a capture writer on top of w.
func NewWriter(w io.Writer) (*Writer, error) {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	gz.Comment = headerComment
	return &Writer{gz: gz}, nil
}

// Write appends one record. Chunks longer than a record can hold are split.
func (w *Writer) Write(data []byte, at time.Time) error {
	for len(data) > 0xFFFF {
		if err := w.Write(data[:0xFFFF], at); err != nil {
			return err
		}
		data = data[0xFFFF:]
	}

	var header [recordHeaderSize]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(len(data)))
	binary.BigEndian.PutUint64(header[2:10], uint64(at.UnixMilli()))

	if _, err := w.gz.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.gz.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	return nil
}

// Flush pushes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.gz.Flush()
}

// Close finishes the gzip stream. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.gz.Close()
}

// Reader iterates the records of a capture stream.
type Reader struct {
	gz *gzip.Reader
}

// NewReader creates a capture reader on top of r.
func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return &Reader{gz: gz}, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() ([]byte, time.Time, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.gz, header[:]); err != nil {
		if err == io.EOF {
			return nil, time.Time{}, io.EOF
		}
		return nil, time.Time{}, fmt.Errorf("failed to read record header: %w", err)
	}

	length := binary.BigEndian.Uint16(header[0:2])
	at := time.UnixMilli(int64(binary.BigEndian.Uint64(header[2:10])))

	data := make([]byte, length)
	if _, err := io.ReadFull(r.gz, data); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read record data: %w", err)
	}
	return data, at, nil
}

// Close closes the gzip stream. It does not close the underlying reader.
func (r *Reader) Close() error {
	return r.gz.Close()
}

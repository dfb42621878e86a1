package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how a result file is encoded.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ErrUnknownCompression is returned for an unrecognised compression name.
var ErrUnknownCompression = errors.New("unknown compression")

// ParseCompression parses a compression name. The empty string is none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(s)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, "zst":
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

// CompressionFor infers the compression from a file extension.
func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// OpenFile creates path and returns a writer encoding with c. Closing the
// writer flushes the encoder and closes the file.
func OpenFile(path string, c Compression) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create result file: %w", err)
	}

	w, err := Compress(f, c)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &fileWriter{enc: w, file: f}, nil
}

// Compress wraps w in an encoder for c. Closing the result does not close w.
func Compress(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone, "":
		return nopCloser{w}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4.Level4)); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 encoder: %w", err)
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

// Decompress wraps r in a decoder for c.
func Decompress(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone, "":
		return io.NopCloser(r), nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return zstdReadCloser{dec}, nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

type fileWriter struct {
	enc  io.WriteCloser
	file *os.File
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

func (w *fileWriter) Close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()

	return errors.Join(encErr, fileErr)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type zstdReadCloser struct {
	*zstd.Decoder
}

func (r zstdReadCloser) Close() error {
	r.Decoder.Close()
	return nil
}

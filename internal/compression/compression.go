// Package compression decodes compressed event bodies and provides the zstd
// codec used on the Membrane connection.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Type is a compression algorithm.
type Type string

const (
	TypeNone    Type = "none"
	TypeGzip    Type = "gzip"
	TypeZstd    Type = "zstd"
	TypeSnappy  Type = "snappy"
	TypeZlib    Type = "zlib"
	TypeDeflate Type = "deflate"
)

// ErrTooLarge is returned when a decoded body exceeds its size limit.
var ErrTooLarge = errors.New("decompressed body too large")

// ParseContentEncoding maps an HTTP Content-Encoding value to a Type.
func ParseContentEncoding(encoding string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return TypeNone, nil
	case "gzip", "x-gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "snappy", "x-snappy":
		return TypeSnappy, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	default:
		return TypeNone, fmt.Errorf("unsupported content encoding: %q", encoding)
	}
}

// Compress encodes data with t.
func Compress(data []byte, t Type) ([]byte, error) {
	if t == TypeNone || t == "" {
		return data, nil
	}
	if t == TypeSnappy {
		return snappy.Encode(nil, data), nil
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch t {
	case TypeGzip:
		w = gzip.NewWriter(&buf)
	case TypeZstd:
		w, err = zstd.NewWriter(&buf)
	case TypeZlib:
		w = zlib.NewWriter(&buf)
	case TypeDeflate:
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s writer: %w", t, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("write %s data: %w", t, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close %s writer: %w", t, err)
	}
	return buf.Bytes(), nil
}

// NewReader returns a reader decoding r with t. Reads fail with ErrTooLarge
// once more than maxSize decoded bytes are produced; maxSize <= 0 disables
// the limit. The caller must Close the reader.
func NewReader(r io.Reader, t Type, maxSize int64) (io.ReadCloser, error) {
	var rc io.ReadCloser
	switch t {
	case TypeNone, "":
		rc = io.NopCloser(r)
	case TypeGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		rc = gr
	case TypeZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		rc = dec.IOReadCloser()
	case TypeZlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zlib reader: %w", err)
		}
		rc = zr
	case TypeDeflate:
		rc = flate.NewReader(r)
	case TypeSnappy:
		data, err := decodeSnappy(r, maxSize)
		if err != nil {
			return nil, err
		}
		rc = io.NopCloser(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}

	return &limitedReader{rc: rc, remaining: maxSize, limited: maxSize > 0, t: orNone(t)}, nil
}

// decodeSnappy decodes a snappy block. The block format carries its decoded
// length, so oversized bodies are rejected before decoding.
func decodeSnappy(r io.Reader, maxSize int64) ([]byte, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	if maxSize > 0 && int64(n) > maxSize {
		return nil, ErrTooLarge
	}
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	return out, nil
}

func orNone(t Type) Type {
	if t == "" {
		return TypeNone
	}
	return t
}

type limitedReader struct {
	rc        io.ReadCloser
	remaining int64
	limited   bool
	t         Type
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.limited {
		if l.remaining <= 0 {
			// Probe for one more byte to distinguish an exact fit from overflow.
			var one [1]byte
			n, err := l.rc.Read(one[:])
			if n > 0 {
				return 0, ErrTooLarge
			}
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		if int64(len(p)) > l.remaining {
			p = p[:l.remaining]
		}
	}
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	decodedBytesTotal.WithLabelValues(string(l.t)).Add(float64(n))
	return n, err
}

func (l *limitedReader) Close() error {
	return l.rc.Close()
}

// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ingestion

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies how an uploaded object is encoded, decided by the
// last extension of its key.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// CompressionFor picks the decoder for an object key.
func CompressionFor(key string) Compression {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".gz"):
		return CompressionGzip
	case strings.HasSuffix(lower, ".zst"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// decodedReader wraps r with the decoder key calls for. Closing the result
// closes the decoder and r.
func decodedReader(key string, r io.ReadCloser) (io.ReadCloser, error) {
	switch CompressionFor(key) {
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: opening gzip stream: %w", ErrHeaderUnreadable, err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, r}}, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: opening zstd stream: %w", ErrHeaderUnreadable, err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), r}}, nil
	default:
		return r, nil
	}
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

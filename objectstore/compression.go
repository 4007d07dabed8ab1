// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package objectstore

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/dsnet/compress/brotli"
)

// brotli is read-only in this package: github.com/dsnet/compress only
// implements a brotli decoder, matching the one-directional use
// internal/remotestore/httpstore.go makes of it (decoding objects
// fetched from peers, never producing brotli output ourselves). An
// object store writing compressed output therefore always picks gzip or
// deflate.

// Compression identifies the content-coding applied to an object before
// it is stored, per the `narinfo-compression`/`ls-compression`/
// `log-compression` config options.
type Compression string

const (
	CompressionNone   Compression = ""
	CompressionGzip   Compression = "gzip"
	CompressionFlate  Compression = "deflate"
	CompressionBrotli Compression = "br"
)

// Encode wraps w so that writes to the returned writer are compressed
// with c before reaching w. The caller must Close the returned writer to
// flush any buffered output.
func Encode(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionFlate:
		return flate.NewWriter(w, flate.DefaultCompression)
	case CompressionBrotli:
		return nil, fmt.Errorf("objectstore: brotli encoding is not supported (decode-only); use gzip or deflate for new objects")
	default:
		return nil, fmt.Errorf("objectstore: unsupported compression %q", c)
	}
}

// Decode wraps r so that reads from the returned reader are decompressed
// from content-coding c, mirroring internal/remotestore/httpstore.go's
// decodeBody for the three codings it supports.
func Decode(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionBrotli:
		return brotli.NewReader(r, nil)
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionFlate:
		return flate.NewReader(r), nil
	default:
		return nil, fmt.Errorf("objectstore: unsupported compression %q", c)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

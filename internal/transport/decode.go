package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// DecodeResponseBody reads resp.Body fully and transparently decompresses
// it according to its Content-Encoding header. Upstream sometimes ignores
// a client's stated Accept-Encoding and compresses anyway, so this always
// inspects the actual header rather than trusting what was requested.
func DecodeResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response body: %w", err)
	}

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("transport: gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)

	case "deflate":
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		return io.ReadAll(r)

	case "br":
		r := brotli.NewReader(bytes.NewReader(raw))
		return io.ReadAll(r)

	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("transport: zstd reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)

	default:
		return raw, nil
	}
}

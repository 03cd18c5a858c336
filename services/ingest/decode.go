package ingest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// minZstdMemory admits the 8 MiB window used by default zstd encoders.
const minZstdMemory = 8 << 20

var (
	errUnsupportedEncoding = errors.New("unsupported content encoding")
	errTooLarge            = errors.New("request body too large")
)

// readBody returns the decoded request body. limit applies to both the bytes
// on the wire and the decompressed payload.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	wire := http.MaxBytesReader(w, r.Body, limit)
	var body io.Reader = wire

	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(wire)
		if err != nil {
			return nil, bodyError(err)
		}
		defer zr.Close()
		body = zr
	case "zstd":
		zr, err := zstd.NewReader(wire,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(max(limit, minZstdMemory))),
		)
		if err != nil {
			return nil, bodyError(err)
		}
		defer zr.Close()
		body = zr
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, enc)
	}

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, bodyError(err)
	}
	if int64(len(data)) > limit {
		return nil, errTooLarge
	}
	return data, nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return errTooLarge
	}
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

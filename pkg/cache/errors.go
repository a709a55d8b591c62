package cache

import (
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrChunkChecksum    = errors.New("invalid chunk checksum")
	ErrCacheNotFound    = errors.New("cache not found")
	ErrInvalidKeyComma  = errors.New("cannot contain commas")
	ErrInvalidKeyLength = errors.New("cannot be larger than 512 characters")
)

// ChunkSizeError reports a chunk whose length differs from the requested range.
type ChunkSizeError struct {
	Expected int64
	Actual   int64
}

func (e *ChunkSizeError) Error() string {
	return fmt.Sprintf("expected chunk size: %d, actual size: %d", e.Expected, e.Actual)
}

// SizeError reports an archive larger than the size announced by the server.
type SizeError struct {
	Expected int64
	Actual   int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("expected size: %d, actual size: %d", e.Expected, e.Actual)
}

// ServiceStatusError is returned when the cache service answers with an unexpected status.
type ServiceStatusError struct {
	StatusCode int
	Message    string
}

func (e *ServiceStatusError) Error() string {
	return fmt.Sprintf("cache service responded with %d %s: %q", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

const maxErrorBody = 64 << 10

// statusError consumes the body of resp and turns it into a ServiceStatusError.
func statusError(resp *http.Response) error {
	message := ""
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		message = err.Error()
	} else {
		message = string(body)
	}

	return errors.WithStack(&ServiceStatusError{StatusCode: resp.StatusCode, Message: message})
}

package cache

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // the service only offers md5 checksums
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/pkg/pipeline"
)

type chunkRange struct {
	start int64
	size  int64
}

type chunk struct {
	start int64
	data  []byte
}

// Get downloads the archive at archiveURL.
//
// The first chunk tells whether the server supports ranges and how large the archive is.
// When the size is known the remaining chunks are downloaded in parallel, otherwise they are
// requested one after the other until a short chunk ends the archive.
func (c *Client) Get(ctx context.Context, archiveURL string) ([]byte, error) {
	u, err := url.Parse(archiveURL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse archive url")
	}

	data, cr, err := c.downloadChunk(ctx, u, 0, c.downloadChunkSize, true)
	if err != nil {
		return nil, errors.Wrap(err, "unable to download first chunk")
	}

	if cr == nil {
		return data, nil
	}

	if cr.total < 0 {
		c.logger.Debug("unable to validate download, no Content-Range header or unknown size")

		return c.getUnknownSize(ctx, u, data)
	}

	actualSize := int64(len(data))
	switch {
	case actualSize == cr.total:
		return data, nil
	case actualSize > cr.total:
		return nil, errors.WithStack(&SizeError{Expected: cr.total, Actual: actualSize})
	case actualSize != c.downloadChunkSize:
		return nil, errors.WithStack(&ChunkSizeError{Expected: c.downloadChunkSize, Actual: actualSize})
	}

	return c.getChunks(ctx, u, data, cr.total)
}

func (c *Client) getChunks(ctx context.Context, u *url.URL, first []byte, total int64) ([]byte, error) {
	archive := make([]byte, total)
	copy(archive, first)

	remaining := (total - int64(len(first)) + c.downloadChunkSize - 1) / c.downloadChunkSize
	concurrency := int(min(int64(c.downloadConcurrency), remaining))

	c.logger.Debug("downloading archive",
		zap.Int64("size", total),
		zap.Int64("chunks", remaining+1),
		zap.Int("concurrency", concurrency),
	)

	pipe, err := pipeline.New(ctx, c.pipelineOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create download pipeline")
	}

	ranges, err := pipeline.AddRootStep(pipe, "download ranges", func(ctx context.Context, rootChan chan<- chunkRange) error {
		for start := int64(len(first)); start < total; start += c.downloadChunkSize {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case rootChan <- chunkRange{start: start, size: min(c.downloadChunkSize, total-start)}:
			}
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to add download ranges")
	}

	chunks, err := pipeline.AddStepOneToOne(pipe, "download chunk", ranges, func(ctx context.Context, rng chunkRange) (chunk, error) {
		data, _, err := c.downloadChunk(ctx, u, rng.start, rng.size, false)
		if err != nil {
			return chunk{}, err
		}
		if int64(len(data)) != rng.size {
			return chunk{}, errors.WithStack(&ChunkSizeError{Expected: rng.size, Actual: int64(len(data))})
		}

		return chunk{start: rng.start, data: data}, nil
	}, pipeline.StepConcurrency[chunk](concurrency), pipeline.StepBufferSize[chunk](concurrency))
	if err != nil {
		return nil, errors.Wrap(err, "unable to add download step")
	}

	err = pipeline.AddSink(pipe, "assemble archive", chunks, func(ctx context.Context, ch chunk) error {
		copy(archive[ch.start:], ch.data)

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to add assemble step")
	}

	err = pipe.Run()
	if err != nil {
		return nil, errors.Wrap(err, "unable to download archive")
	}

	return archive, nil
}

func (c *Client) getUnknownSize(ctx context.Context, u *url.URL, first []byte) ([]byte, error) {
	actualSize := int64(len(first))
	if actualSize < c.downloadChunkSize {
		return first, nil
	}

	archive := bytes.NewBuffer(first)
	for start := c.downloadChunkSize; ; start += c.downloadChunkSize {
		data, _, err := c.downloadChunk(ctx, u, start, c.downloadChunkSize, false)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to download chunk at %d", start)
		}
		if len(data) == 0 {
			break
		}

		archive.Write(data)

		if int64(len(data)) < c.downloadChunkSize {
			break
		}
	}

	return archive.Bytes(), nil
}

// downloadChunk fetches at most size bytes from start. The content range is only
// returned for the first chunk, when the server answered with a partial content.
// A range past the end of the archive yields no data.
func (c *Client) downloadChunk(ctx context.Context, u *url.URL, start, size int64, first bool) ([]byte, *contentRange, error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadChunkTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+size-1))
	req.Header.Set("x-ms-range-get-content-md5", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unable to request chunk at %d", start)
	}
	defer closeBody(resp)

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && !first {
		return nil, nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, statusError(resp)
	}

	var cr *contentRange
	if first && resp.StatusCode == http.StatusPartialContent {
		if header := resp.Header.Get("Content-Range"); header != "" {
			cr, err = parseContentRange(header)
			if err != nil {
				c.logger.Debug("ignoring content range", zap.String("content_range", header), zap.Error(err))
				cr = nil
			}
		}
	}

	limit := size + 1
	if first && resp.StatusCode != http.StatusPartialContent {
		// ranges are not supported, the body is the whole archive
		limit = math.MaxInt64
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unable to read chunk at %d", start)
	}
	if limit == size+1 && int64(len(data)) > size {
		return nil, nil, errors.WithStack(&ChunkSizeError{Expected: size, Actual: int64(len(data))})
	}

	err = verifyChecksum(resp.Header.Get("Content-MD5"), data)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "chunk at %d", start)
	}

	return data, cr, nil
}

// verifyChecksum accepts base64 (the HTTP standard) and hex encoded digests.
// An empty or unreadable header disables the check.
func verifyChecksum(header string, data []byte) error {
	if header == "" {
		return nil
	}

	expected, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(expected) != md5.Size {
		expected, err = hex.DecodeString(header)
		if err != nil || len(expected) != md5.Size {
			return nil
		}
	}

	checksum := md5.Sum(data) //nolint:gosec
	if !bytes.Equal(expected, checksum[:]) {
		return errors.WithStack(ErrChunkChecksum)
	}

	return nil
}

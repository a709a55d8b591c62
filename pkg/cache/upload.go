package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/pkg/pipeline"
)

type reserveCacheRequest struct {
	Key       string `json:"key"`
	Version   string `json:"version"`
	CacheSize int64  `json:"cacheSize"`
}

type reserveCacheResponse struct {
	CacheID int64 `json:"cacheId"`
}

type commitCacheRequest struct {
	Size int64 `json:"size"`
}

// Put stores data under the client key for version and reports whether it was uploaded.
// When the service refuses the reservation, because another job is already saving the
// same key and version, nothing is uploaded and Put returns false.
func (c *Client) Put(ctx context.Context, version string, data io.ReadSeeker) (bool, error) {
	cacheSize, err := data.Seek(0, io.SeekEnd)
	if err != nil {
		return false, errors.Wrap(err, "unable to compute cache size")
	}

	cacheID, reserved, err := c.reserve(ctx, Version(version), cacheSize)
	if err != nil || !reserved {
		return false, err
	}

	_, err = data.Seek(0, io.SeekStart)
	if err != nil {
		return false, errors.Wrap(err, "unable to rewind cache data")
	}

	err = c.upload(ctx, cacheID, cacheSize, data)
	if err != nil {
		return false, err
	}

	err = c.commit(ctx, cacheID, cacheSize)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (c *Client) reserve(ctx context.Context, version string, cacheSize int64) (int64, bool, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.endpoint("caches"), reserveCacheRequest{
		Key:       c.key,
		Version:   version,
		CacheSize: cacheSize,
	})
	if err != nil {
		return 0, false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, false, errors.Wrap(err, "unable to reserve cache")
	}
	defer closeBody(resp)

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusConflict:
		c.logger.Warn("no cache id for key",
			zap.String("key", c.key),
			zap.String("version", version),
			zap.Int("status", resp.StatusCode),
		)

		return 0, false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, false, statusError(resp)
	}

	res := reserveCacheResponse{}
	err = json.NewDecoder(resp.Body).Decode(&res)
	if err != nil {
		return 0, false, errors.Wrap(err, "unable to decode reserve response")
	}

	return res.CacheID, true, nil
}

// chunkReader reads ranges of the archive for concurrent uploaders.
type chunkReader struct {
	mu sync.Mutex
	rs io.ReadSeeker
	ra io.ReaderAt
}

func newChunkReader(rs io.ReadSeeker) *chunkReader {
	cr := &chunkReader{rs: rs}
	if ra, ok := rs.(io.ReaderAt); ok {
		cr.ra = ra
	}

	return cr
}

func (cr *chunkReader) read(rng chunkRange) ([]byte, error) {
	buf := make([]byte, rng.size)
	if cr.ra != nil {
		_, err := io.ReadFull(io.NewSectionReader(cr.ra, rng.start, rng.size), buf)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read chunk at %d", rng.start)
		}

		return buf, nil
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	_, err := cr.rs.Seek(rng.start, io.SeekStart)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to seek to %d", rng.start)
	}
	_, err = io.ReadFull(cr.rs, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read chunk at %d", rng.start)
	}

	return buf, nil
}

func (c *Client) upload(ctx context.Context, cacheID, cacheSize int64, data io.ReadSeeker) error {
	if cacheSize == 0 {
		return nil
	}

	u := c.endpoint("caches/" + strconv.FormatInt(cacheID, 10))
	reader := newChunkReader(data)

	chunks := (cacheSize + c.uploadChunkSize - 1) / c.uploadChunkSize
	concurrency := int(min(int64(c.uploadConcurrency), chunks))

	c.logger.Debug("uploading archive",
		zap.Int64("cache_id", cacheID),
		zap.Int64("size", cacheSize),
		zap.Int64("chunks", chunks),
		zap.Int("concurrency", concurrency),
	)

	pipe, err := pipeline.New(ctx, c.pipelineOpts...)
	if err != nil {
		return errors.Wrap(err, "unable to create upload pipeline")
	}

	ranges, err := pipeline.AddRootStep(pipe, "upload ranges", func(ctx context.Context, rootChan chan<- chunkRange) error {
		for start := int64(0); start < cacheSize; start += c.uploadChunkSize {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case rootChan <- chunkRange{start: start, size: min(c.uploadChunkSize, cacheSize-start)}:
			}
		}

		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unable to add upload ranges")
	}

	uploaded, err := pipeline.AddStepOneToOne(pipe, "upload chunk", ranges, func(ctx context.Context, rng chunkRange) (int64, error) {
		buf, err := reader.read(rng)
		if err != nil {
			return 0, err
		}

		err = c.uploadChunk(ctx, u, buf, rng.start)
		if err != nil {
			return 0, err
		}

		return rng.size, nil
	}, pipeline.StepConcurrency[int64](concurrency), pipeline.StepBufferSize[int64](concurrency))
	if err != nil {
		return errors.Wrap(err, "unable to add upload step")
	}

	total := int64(0)
	err = pipeline.AddSink(pipe, "count uploaded", uploaded, func(ctx context.Context, size int64) error {
		total += size

		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unable to add count step")
	}

	err = pipe.Run()
	if err != nil {
		return errors.Wrap(err, "unable to upload archive")
	}

	if total != cacheSize {
		return errors.WithStack(&SizeError{Expected: cacheSize, Actual: total})
	}

	return nil
}

func (c *Client) uploadChunk(ctx context.Context, u *url.URL, body []byte, start int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadChunkTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, start+int64(len(body))-1))

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "unable to upload chunk at %d", start)
	}
	defer closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	return nil
}

func (c *Client) commit(ctx context.Context, cacheID, cacheSize int64) error {
	u := c.endpoint("caches/" + strconv.FormatInt(cacheID, 10))
	req, err := c.newJSONRequest(ctx, http.MethodPost, u, commitCacheRequest{Size: cacheSize})
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "unable to commit cache")
	}
	defer closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	return nil
}

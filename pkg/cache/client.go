package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/pkg/pipeline/model"
)

// ArtifactCacheEntry is the answer of the cache service to a lookup.
type ArtifactCacheEntry struct {
	CacheKey        string `json:"cacheKey,omitempty"`
	Scope           string `json:"scope,omitempty"`
	CreationTime    string `json:"creationTime,omitempty"`
	ArchiveLocation string `json:"archiveLocation,omitempty"`
}

// Client talks to the artifact cache service for one key.
type Client struct {
	client    *http.Client
	baseURL   *url.URL
	userAgent string
	token     string

	key         string
	restoreKeys string

	downloadChunkSize    int64
	downloadChunkTimeout time.Duration
	downloadConcurrency  int

	uploadChunkSize    int64
	uploadChunkTimeout time.Duration
	uploadConcurrency  int

	logger       *zap.Logger
	commands     io.Writer
	pipelineOpts []model.PipelineOption
}

// BaseURL returns the service url the client was built with, without the API path.
func (c *Client) BaseURL() string {
	base := c.baseURL.String()

	return strings.TrimSuffix(base, apiPath)
}

func (c *Client) Key() string {
	return c.key
}

// RestoreKeys returns the comma separated restore keys.
func (c *Client) RestoreKeys() string {
	return c.restoreKeys
}

func (c *Client) endpoint(path string) *url.URL {
	return c.baseURL.ResolveReference(&url.URL{Path: path})
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create %s request", method)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method string, u *url.URL, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal request")
	}
	req, err := c.newRequest(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Entry looks up the archive matching the restore keys and version.
// It returns nil when the service has no matching entry.
func (c *Client) Entry(ctx context.Context, version string) (*ArtifactCacheEntry, error) {
	u := c.endpoint("cache")
	u.RawQuery = url.Values{
		"keys":    {c.restoreKeys},
		"version": {Version(version)},
	}.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query cache entry")
	}
	defer closeBody(resp)

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	entry := &ArtifactCacheEntry{}
	err = json.NewDecoder(resp.Body).Decode(entry)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode cache entry")
	}

	c.logger.Debug("cache entry",
		zap.String("cache_key", entry.CacheKey),
		zap.String("scope", entry.Scope),
		zap.String("creation_time", entry.CreationTime),
	)

	if entry.ArchiveLocation == "" {
		return nil, errors.WithStack(ErrCacheNotFound)
	}

	// the archive location embeds a signed token
	_, err = fmt.Fprintf(c.commands, "::add-mask::%s\n", shellescape.Quote(entry.ArchiveLocation))
	if err != nil {
		return nil, errors.Wrap(err, "unable to mask archive location")
	}

	return entry, nil
}

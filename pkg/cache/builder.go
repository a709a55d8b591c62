package cache

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/pkg/pipeline/model"
)

const (
	apiPath      = "/_apis/artifactcache/"
	acceptHeader = "application/json;api-version=6.0-preview.1"

	// SegmentTimeoutEnv holds the per-chunk timeout in minutes, as set by the runner.
	SegmentTimeoutEnv = "SEGMENT_DOWNLOAD_TIMEOUT_MINS"

	defaultChunkTimeout = time.Minute
)

// Builder configures a Client.
type Builder struct {
	userAgent   string
	baseURL     string
	token       string
	key         string
	restoreKeys []string

	maxRetries        int
	minRetryInterval  time.Duration
	maxRetryInterval  time.Duration
	backoffFactorBase int

	downloadChunkSize    int64
	downloadChunkTimeout time.Duration
	downloadConcurrency  int

	uploadChunkSize    int64
	uploadChunkTimeout time.Duration
	uploadConcurrency  int

	logger       *zap.Logger
	httpClient   *http.Client
	commands     io.Writer
	pipelineOpts []model.PipelineOption
}

// NewBuilder returns a builder with the default settings of the runner toolkit.
// Every key must pass CheckKey.
func NewBuilder(baseURL, token, key string, restoreKeys []string) (*Builder, error) {
	err := CheckKey(key)
	if err != nil {
		return nil, err
	}
	for _, restoreKey := range restoreKeys {
		err := CheckKey(restoreKey)
		if err != nil {
			return nil, err
		}
	}

	chunkTimeout := segmentTimeout(os.Getenv(SegmentTimeoutEnv))

	return &Builder{
		userAgent:            "go-actions-cache/" + FormatVersion,
		baseURL:              baseURL,
		token:                token,
		key:                  key,
		restoreKeys:          append([]string(nil), restoreKeys...),
		maxRetries:           2,
		minRetryInterval:     50 * time.Millisecond,
		maxRetryInterval:     10 * time.Second,
		backoffFactorBase:    3,
		downloadChunkSize:    4 << 20, // 4 MiB
		downloadChunkTimeout: chunkTimeout,
		downloadConcurrency:  8,
		uploadChunkSize:      1 << 20, // 1 MiB
		uploadChunkTimeout:   chunkTimeout,
		uploadConcurrency:    4,
		logger:               zap.NewNop(),
		commands:             os.Stdout,
	}, nil
}

func segmentTimeout(value string) time.Duration {
	mins, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return defaultChunkTimeout
	}

	return time.Duration(mins) * time.Minute
}

func (b *Builder) UserAgent(userAgent string) *Builder {
	b.userAgent = userAgent
	return b
}

func (b *Builder) BaseURL(baseURL string) *Builder {
	b.baseURL = baseURL
	return b
}

func (b *Builder) Token(token string) *Builder {
	b.token = token
	return b
}

func (b *Builder) MaxRetries(maxRetries int) *Builder {
	b.maxRetries = maxRetries
	return b
}

func (b *Builder) MinRetryInterval(interval time.Duration) *Builder {
	b.minRetryInterval = interval
	return b
}

func (b *Builder) MaxRetryInterval(interval time.Duration) *Builder {
	b.maxRetryInterval = interval
	return b
}

func (b *Builder) BackoffFactorBase(base int) *Builder {
	b.backoffFactorBase = base
	return b
}

// DownloadChunkSize is the maximum size in bytes of each ranged download request.
func (b *Builder) DownloadChunkSize(size int64) *Builder {
	b.downloadChunkSize = size
	return b
}

// DownloadChunkTimeout bounds each ranged download request.
func (b *Builder) DownloadChunkTimeout(timeout time.Duration) *Builder {
	b.downloadChunkTimeout = timeout
	return b
}

// DownloadConcurrency is the number of parallel chunk downloads.
func (b *Builder) DownloadConcurrency(concurrency int) *Builder {
	b.downloadConcurrency = concurrency
	return b
}

// UploadChunkSize is the maximum size in bytes of each upload request.
func (b *Builder) UploadChunkSize(size int64) *Builder {
	b.uploadChunkSize = size
	return b
}

// UploadChunkTimeout bounds each upload request.
func (b *Builder) UploadChunkTimeout(timeout time.Duration) *Builder {
	b.uploadChunkTimeout = timeout
	return b
}

// UploadConcurrency is the number of parallel chunk uploads.
func (b *Builder) UploadConcurrency(concurrency int) *Builder {
	b.uploadConcurrency = concurrency
	return b
}

func (b *Builder) Logger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// HTTPClient sets the client used for each attempt of a retried request.
func (b *Builder) HTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// CommandWriter receives the workflow commands (::add-mask::) emitted by the client.
func (b *Builder) CommandWriter(w io.Writer) *Builder {
	b.commands = w
	return b
}

// PipelineOptions are applied to every chunk transfer pipeline.
func (b *Builder) PipelineOptions(opts ...model.PipelineOption) *Builder {
	b.pipelineOpts = append(b.pipelineOpts, opts...)
	return b
}

// Build validates the settings and creates the client.
func (b *Builder) Build() (*Client, error) {
	switch {
	case b.downloadChunkSize <= 0 || b.uploadChunkSize <= 0:
		return nil, errors.New("chunk sizes must be greater than 0")
	case b.downloadConcurrency < 1 || b.uploadConcurrency < 1:
		return nil, errors.New("concurrency must be at least 1")
	case b.maxRetries < 0:
		return nil, errors.New("max retries cannot be negative")
	case b.backoffFactorBase < 1:
		return nil, errors.New("backoff factor base must be at least 1")
	}

	baseURL, err := url.Parse(strings.TrimRight(b.baseURL, "/") + apiPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse base url %q", b.baseURL)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, errors.Errorf("base url %q must be absolute", b.baseURL)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	commands := b.commands
	if commands == nil {
		commands = io.Discard
	}

	retryClient := newRetryClient(b.httpClient, b.maxRetries, b.minRetryInterval, b.maxRetryInterval, newRetryPolicy(b.backoffFactorBase), logger)

	return &Client{
		client:               retryClient.StandardClient(),
		baseURL:              baseURL,
		userAgent:            b.userAgent,
		token:                b.token,
		key:                  b.key,
		restoreKeys:          strings.Join(b.restoreKeys, ","),
		downloadChunkSize:    b.downloadChunkSize,
		downloadChunkTimeout: b.downloadChunkTimeout,
		downloadConcurrency:  b.downloadConcurrency,
		uploadChunkSize:      b.uploadChunkSize,
		uploadChunkTimeout:   b.uploadChunkTimeout,
		uploadConcurrency:    b.uploadConcurrency,
		logger:               logger,
		commands:             commands,
		pipelineOpts:         b.pipelineOpts,
	}, nil
}

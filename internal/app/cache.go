package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/internal/envexport"
	"github.com/askiada/go-actions-cache/pkg/cache"
	"github.com/askiada/go-actions-cache/pkg/cache/s3cache"
	"github.com/askiada/go-actions-cache/pkg/pipeline/drawer"
	"github.com/askiada/go-actions-cache/pkg/pipeline/measure"
	"github.com/askiada/go-actions-cache/pkg/pipeline/model"
)

const (
	backendGHA = "gha"
	backendS3  = "s3"

	cacheURLEnv     = "ACTIONS_CACHE_URL"
	runtimeTokenEnv = "ACTIONS_RUNTIME_TOKEN"
	githubOutputEnv = "GITHUB_OUTPUT"
	accessKeyEnv    = "AWS_ACCESS_KEY_ID"
	secretKeyEnv    = "AWS_SECRET_ACCESS_KEY"
)

type CacheFlags struct {
	Backend  string `enum:"gha,s3" default:"gha" help:"Cache backend"`
	CacheURL string `name:"cache-url" help:"Cache service url (default: $ACTIONS_CACHE_URL)"`
	Token    string `help:"Cache service token (default: $ACTIONS_RUNTIME_TOKEN)"`
	Bucket   string `name:"s3-bucket" help:"S3 bucket"`
	Prefix   string `name:"s3-prefix" help:"Prefix of the cache objects in the bucket"`
	Region   string `name:"s3-region" help:"S3 region (default: $AWS_REGION)"`
	Endpoint string `name:"s3-endpoint" help:"Endpoint of an S3 compatible server"`

	AccessKey string `name:"s3-access-key" help:"S3 access key (default: $AWS_ACCESS_KEY_ID)"`
	SecretKey string `name:"s3-secret-key" help:"S3 secret key (default: $AWS_SECRET_ACCESS_KEY)"`
}

type RestoreCmd struct {
	CacheFlags      `embed:""`
	Key             string   `required:"" help:"Primary cache key"`
	RestoreKeys     []string `name:"restore-keys" help:"Key prefixes tried in order when the primary key misses"`
	Version         string   `required:"" help:"Cache version"`
	Path            string   `required:"" help:"Archive file to write"`
	FailOnCacheMiss bool     `name:"fail-on-cache-miss" help:"Fail when no archive matches"`
}

type SaveCmd struct {
	CacheFlags `embed:""`
	Key        string `required:"" help:"Cache key"`
	Version    string `required:"" help:"Cache version"`
	Path       string `required:"" help:"Archive file to upload"`
}

// store is a cache backend.
type store interface {
	Restore(ctx context.Context, key string, restoreKeys []string, version string) ([]byte, string, error)
	Save(ctx context.Context, key, version string, archive io.ReadSeeker) (bool, error)
}

// ghaStore uses the GitHub Actions cache service.
type ghaStore struct {
	baseURL string
	token   string
	rc      runContext
	opts    []model.PipelineOption
}

func (s *ghaStore) client(key string, restoreKeys []string) (*cache.Client, error) {
	builder, err := cache.NewBuilder(s.baseURL, s.token, key, restoreKeys)
	if err != nil {
		return nil, err
	}
	builder.Logger(s.rc.logger).CommandWriter(s.rc.deps.Out).PipelineOptions(s.opts...)
	if s.rc.deps.HTTPClient != nil {
		builder.HTTPClient(s.rc.deps.HTTPClient)
	}

	return builder.Build()
}

// Restore looks up the primary key first, then the restore keys.
func (s *ghaStore) Restore(ctx context.Context, key string, restoreKeys []string, version string) ([]byte, string, error) {
	keys := []string{key}
	for _, k := range restoreKeys {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}

	client, err := s.client(key, keys)
	if err != nil {
		return nil, "", err
	}

	entry, err := client.Entry(ctx, version)
	if err != nil {
		return nil, "", err
	}
	if entry == nil {
		return nil, "", errors.WithStack(cache.ErrCacheNotFound)
	}

	data, err := client.Get(ctx, entry.ArchiveLocation)
	if err != nil {
		return nil, "", err
	}

	return data, entry.CacheKey, nil
}

func (s *ghaStore) Save(ctx context.Context, key, version string, archive io.ReadSeeker) (bool, error) {
	client, err := s.client(key, nil)
	if err != nil {
		return false, err
	}

	return client.Put(ctx, version, archive)
}

func openStore(rc runContext, flags CacheFlags, opts []model.PipelineOption) (store, error) {
	switch flags.Backend {
	case backendS3:
		cfg := s3cache.Config{
			Bucket:    flags.Bucket,
			Prefix:    flags.Prefix,
			Region:    flags.Region,
			Endpoint:  flags.Endpoint,
			AccessKey: flags.AccessKey,
			SecretKey: flags.SecretKey,
		}
		accessKey, secretKey := rc.deps.Getenv(accessKeyEnv), rc.deps.Getenv(secretKeyEnv)
		if cfg.AccessKey == "" && cfg.SecretKey == "" && accessKey != "" && secretKey != "" {
			cfg.AccessKey, cfg.SecretKey = accessKey, secretKey
		}
		st, err := rc.deps.OpenS3(rc.ctx, cfg, rc.logger)
		if err != nil {
			return nil, errors.Wrap(err, "unable to open s3 cache")
		}

		return st, nil
	default:
		baseURL := flags.CacheURL
		if baseURL == "" {
			baseURL = rc.deps.Getenv(cacheURLEnv)
		}
		token := flags.Token
		if token == "" {
			token = rc.deps.Getenv(runtimeTokenEnv)
		}
		if baseURL == "" {
			return nil, errors.Errorf("cache service url is not set, use --cache-url or %s", cacheURLEnv)
		}
		if token == "" {
			return nil, errors.Errorf("cache service token is not set, use --token or %s", runtimeTokenEnv)
		}

		return &ghaStore{baseURL: baseURL, token: token, rc: rc, opts: opts}, nil
	}
}

// transferOptions returns the pipeline options selected by the global flags,
// and a function to call with a summary once the transfer is done. It writes
// the graph file and logs the metrics even when no stage ran.
func transferOptions(rc runContext) ([]model.PipelineOption, func(summary string)) {
	if !rc.cli.Measure && rc.cli.GraphFile == "" {
		return nil, func(string) {}
	}

	m := measure.NewDefaultMeasure()
	opts := []model.PipelineOption{measure.PipelineMeasure(m)}
	var dotDrawer *drawer.DOTDrawer
	if rc.cli.GraphFile != "" {
		dotDrawer = drawer.NewDOTDrawer(rc.cli.GraphFile)
		opts = append(opts, drawer.PipelineDrawer(dotDrawer, m))
	}

	return opts, func(summary string) {
		if rc.cli.Measure {
			logMetrics(rc.logger, m)
		}
		if dotDrawer != nil {
			dotDrawer.SetLabel(summary)
			err := dotDrawer.Draw()
			if err != nil {
				rc.logger.Warn("unable to write graph file", zap.String("path", rc.cli.GraphFile), zap.Error(err))
			}
		}
	}
}

func logMetrics(logger *zap.Logger, m measure.Measure) {
	metrics := m.AllMetrics()
	if len(metrics) == 0 {
		logger.Info("no transfer stages ran")

		return
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		metric := metrics[name]
		fields := []zap.Field{
			zap.String("stage", name),
			zap.Int64("count", metric.Count()),
			zap.Duration("avg", metric.AVGDuration()),
			zap.Duration("total", metric.GetTotalDuration()),
		}
		for parent, transport := range metric.AVGTransportDuration() {
			fields = append(fields, zap.Duration("wait_"+parent, transport.Elapsed))
		}
		logger.Info("stage metrics", fields...)
	}
}

func runRestore(rc runContext) error {
	cmd := rc.cli.Restore
	opts, done := transferOptions(rc)
	summary := fmt.Sprintf("restore %s: failed", cmd.Key)
	defer func() { done(summary) }()

	st, err := openStore(rc, cmd.CacheFlags, opts)
	if err != nil {
		return err
	}

	data, matched, err := st.Restore(rc.ctx, cmd.Key, cmd.RestoreKeys, cmd.Version)
	switch {
	case errors.Is(err, cache.ErrCacheNotFound):
		rc.logger.Info("cache not found", zap.String("key", cmd.Key), zap.Strings("restore_keys", cmd.RestoreKeys))
		summary = fmt.Sprintf("restore %s: cache miss", cmd.Key)
		if cmd.FailOnCacheMiss {
			return errors.Errorf("no cache found for key %s", cmd.Key)
		}

		return setOutputs(rc, envexport.Var{Name: "cache-hit", Value: "false"})
	case err != nil:
		return errors.Wrap(err, "unable to restore cache")
	}

	err = os.MkdirAll(filepath.Dir(cmd.Path), 0o755)
	if err != nil {
		return errors.Wrap(err, "unable to create archive directory")
	}
	err = os.WriteFile(cmd.Path, data, 0o644)
	if err != nil {
		return errors.Wrap(err, "unable to write archive")
	}

	summary = fmt.Sprintf("restore %s: %d bytes", matched, len(data))
	rc.logger.Info("cache restored",
		zap.String("key", matched),
		zap.String("path", cmd.Path),
		zap.Int("size", len(data)),
	)

	hit := "false"
	if matched == cmd.Key {
		hit = "true"
	}

	return setOutputs(rc,
		envexport.Var{Name: "cache-hit", Value: hit},
		envexport.Var{Name: "cache-matched-key", Value: matched},
	)
}

// setOutputs writes step outputs when running inside a job.
func setOutputs(rc runContext, outputs ...envexport.Var) error {
	path := rc.deps.Getenv(githubOutputEnv)
	if path == "" {
		return nil
	}

	return envexport.Export(path, outputs)
}

func runSave(rc runContext) error {
	cmd := rc.cli.Save
	opts, done := transferOptions(rc)
	summary := fmt.Sprintf("save %s: failed", cmd.Key)
	defer func() { done(summary) }()

	st, err := openStore(rc, cmd.CacheFlags, opts)
	if err != nil {
		return err
	}

	archive, err := os.Open(cmd.Path)
	if err != nil {
		return errors.Wrap(err, "unable to open archive")
	}
	defer archive.Close()

	info, err := archive.Stat()
	if err != nil {
		return errors.Wrap(err, "unable to stat archive")
	}
	size := info.Size()

	saved, err := st.Save(rc.ctx, cmd.Key, cmd.Version, archive)
	if err != nil {
		return errors.Wrap(err, "unable to save cache")
	}
	if !saved {
		summary = fmt.Sprintf("save %s: key already taken", cmd.Key)
		rc.logger.Info("cache not saved, key already taken", zap.String("key", cmd.Key))

		return nil
	}

	summary = fmt.Sprintf("save %s: %d bytes", cmd.Key, size)
	rc.logger.Info("cache saved", zap.String("key", cmd.Key), zap.String("path", cmd.Path), zap.Int64("size", size))

	return nil
}

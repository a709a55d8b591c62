package cache_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askiada/go-actions-cache/pkg/cache"
)

func newClient(t *testing.T, baseURL, key string, restoreKeys []string, configure ...func(b *cache.Builder)) (*cache.Client, *bytes.Buffer) {
	t.Helper()

	commands := &bytes.Buffer{}
	builder, err := cache.NewBuilder(baseURL, testToken, key, restoreKeys)
	require.NoError(t, err)
	builder.CommandWriter(commands).MinRetryInterval(time.Millisecond).MaxRetryInterval(5 * time.Millisecond)
	for _, fn := range configure {
		fn(builder)
	}
	client, err := builder.Build()
	require.NoError(t, err)

	return client, commands
}

func TestNewBuilderInvalidKeys(t *testing.T) {
	t.Parallel()

	_, err := cache.NewBuilder("http://localhost", testToken, "a,b", nil)
	assert.ErrorIs(t, err, cache.ErrInvalidKeyComma)

	_, err = cache.NewBuilder("http://localhost", testToken, "key", []string{"ok", strings.Repeat("k", 513)})
	assert.ErrorIs(t, err, cache.ErrInvalidKeyLength)
}

func TestBuildValidation(t *testing.T) {
	t.Parallel()

	builder, err := cache.NewBuilder("not a url", testToken, "key", nil)
	require.NoError(t, err)
	_, err = builder.Build()
	assert.Error(t, err)

	builder, err = cache.NewBuilder("http://localhost", testToken, "key", nil)
	require.NoError(t, err)
	_, err = builder.DownloadConcurrency(0).Build()
	assert.Error(t, err)
}

func TestClientAccessors(t *testing.T) {
	t.Parallel()

	client, _ := newClient(t, "http://localhost:8080/runner/", "linux-cargo-abc", []string{"linux-cargo-abc", "linux-cargo-"})
	assert.Equal(t, "http://localhost:8080/runner", client.BaseURL())
	assert.Equal(t, "linux-cargo-abc", client.Key())
	assert.Equal(t, "linux-cargo-abc,linux-cargo-", client.RestoreKeys())
}

func TestEntryNoContent(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	client, commands := newClient(t, fs.server.URL, "key", []string{"key"})

	entry, err := client.Entry(context.Background(), "v1")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Empty(t, commands.String())
	lookups := fs.lookupList()
	require.Len(t, lookups, 1)
	assert.Equal(t, "keys=key&version="+cache.Version("v1"), lookups[0])
}

func TestEntryRestoreKeyPrefix(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.store("linux-cargo-old", "v1", []byte("archive"))
	client, commands := newClient(t, fs.server.URL, "linux-cargo-new", []string{"linux-cargo-new", "linux-cargo-"})

	entry, err := client.Entry(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "linux-cargo-old", entry.CacheKey)
	assert.Equal(t, "refs/heads/main", entry.Scope)
	assert.Equal(t, "::add-mask::"+entry.ArchiveLocation+"\n", commands.String())
}

func TestEntryVersionMismatch(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.store("key", "v1", []byte("archive"))
	client, _ := newClient(t, fs.server.URL, "key", []string{"key"})

	entry, err := client.Entry(context.Background(), "v2")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestEntryMasksShellEscapedLocation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"cacheKey":"key","archiveLocation":"https://blob/archive?sig=a&se=b"}`)
	}))
	t.Cleanup(server.Close)
	client, commands := newClient(t, server.URL, "key", []string{"key"})

	entry, err := client.Entry(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "https://blob/archive?sig=a&se=b", entry.ArchiveLocation)
	assert.Equal(t, "::add-mask::'https://blob/archive?sig=a&se=b'\n", commands.String())
}

func TestEntryWithoutArchiveLocation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"cacheKey":"key"}`)
	}))
	t.Cleanup(server.Close)
	client, _ := newClient(t, server.URL, "key", []string{"key"})

	_, err := client.Entry(context.Background(), "v1")
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)
}

func TestEntryServiceError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)
	client, _ := newClient(t, server.URL, "key", []string{"key"})

	_, err := client.Entry(context.Background(), "v1")
	statusErr := &cache.ServiceStatusError{}
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "bad token\n", statusErr.Message)
}

func TestEntryRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	client, _ := newClient(t, server.URL, "key", []string{"key"})

	entry, err := client.Entry(context.Background(), "v1")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEntryGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)
	client, _ := newClient(t, server.URL, "key", []string{"key"}, func(b *cache.Builder) {
		b.MaxRetries(1)
	})

	_, err := client.Entry(context.Background(), "v1")
	statusErr := &cache.ServiceStatusError{}
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	client, _ := newClient(t, fs.server.URL, "key", []string{"key"}, func(b *cache.Builder) {
		b.UploadChunkSize(10).UploadConcurrency(3).DownloadChunkSize(16).DownloadConcurrency(2)
	})

	data := []byte(strings.Repeat("0123456789abcdefghijklmnopqrstuvwxyz", 3))
	saved, err := client.Put(context.Background(), "v1", bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Len(t, fs.patchList(), 11)
	assert.Contains(t, fs.patchList(), "bytes 100-107/*")
	assert.Equal(t, 1, fs.commitCount())

	entry, err := client.Entry(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, entry)

	got, err := client.Get(context.Background(), entry.ArchiveLocation)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// readSeeker hides the io.ReaderAt implementation of bytes.Reader.
type readSeeker struct {
	io.ReadSeeker
}

func TestPutWithoutReaderAt(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	client, _ := newClient(t, fs.server.URL, "key", []string{"key"}, func(b *cache.Builder) {
		b.UploadChunkSize(4).UploadConcurrency(4)
	})

	data := []byte("the quick brown fox jumps over the lazy dog")
	_, err := client.Put(context.Background(), "v1", readSeeker{bytes.NewReader(data)})
	require.NoError(t, err)

	entry, err := client.Entry(context.Background(), "v1")
	require.NoError(t, err)
	got, err := client.Get(context.Background(), entry.ArchiveLocation)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutReserveConflict(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusConflict, http.StatusNoContent} {
		fs := newFakeService(t)
		fs.reserveStatus = status
		client, _ := newClient(t, fs.server.URL, "key", []string{"key"})

		saved, err := client.Put(context.Background(), "v1", bytes.NewReader([]byte("data")))
		require.NoError(t, err)
		assert.False(t, saved)
		assert.Empty(t, fs.patchList())
		assert.Zero(t, fs.commitCount())
	}
}

func TestPutSameKeyTwice(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	client, _ := newClient(t, fs.server.URL, "key", []string{"key"})

	saved, err := client.Put(context.Background(), "v1", bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	assert.True(t, saved)
	saved, err = client.Put(context.Background(), "v1", bytes.NewReader([]byte("second")))
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, 1, fs.commitCount())
}

func TestPutEmptyArchive(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	client, _ := newClient(t, fs.server.URL, "key", []string{"key"})

	saved, err := client.Put(context.Background(), "v1", bytes.NewReader(nil))
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Empty(t, fs.patchList())
	assert.Equal(t, 1, fs.commitCount())
}

func TestPutUploadFailureSkipsCommit(t *testing.T) {
	t.Parallel()

	fs := newFakeService(t)
	fs.patchStatus = http.StatusForbidden
	client, _ := newClient(t, fs.server.URL, "key", []string{"key"}, func(b *cache.Builder) {
		b.UploadChunkSize(2)
	})

	saved, err := client.Put(context.Background(), "v1", bytes.NewReader([]byte("0123456789")))
	assert.False(t, saved)
	statusErr := &cache.ServiceStatusError{}
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Zero(t, fs.commitCount())
}

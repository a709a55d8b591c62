package cache_test

import (
	"crypto/md5" //nolint:gosec
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testToken = "secret-token"

type reservation struct {
	key       string
	version   string
	data      []byte
	committed bool
}

// fakeService emulates the artifact cache service and the blob storage serving archives.
type fakeService struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	nextID        int64
	reservations  map[int64]*reservation
	reserveStatus int
	patchStatus   int
	patches       []string
	commits       int
	lookups       []string
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	fs := &fakeService{
		t:            t,
		reservations: make(map[int64]*reservation),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_apis/artifactcache/cache", fs.lookup)
	mux.HandleFunc("POST /_apis/artifactcache/caches", fs.reserve)
	mux.HandleFunc("PATCH /_apis/artifactcache/caches/{id}", fs.patch)
	mux.HandleFunc("POST /_apis/artifactcache/caches/{id}", fs.commit)
	mux.HandleFunc("GET /archive/{id}", fs.archive)
	fs.server = httptest.NewServer(mux)
	t.Cleanup(fs.server.Close)

	return fs
}

func (fs *fakeService) checkHeaders(r *http.Request) {
	assert.Equal(fs.t, "Bearer "+testToken, r.Header.Get("Authorization"))
	assert.Equal(fs.t, "application/json;api-version=6.0-preview.1", r.Header.Get("Accept"))
}

func (fs *fakeService) lookup(w http.ResponseWriter, r *http.Request) {
	fs.checkHeaders(r)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	keys := strings.Split(r.URL.Query().Get("keys"), ",")
	version := r.URL.Query().Get("version")
	fs.lookups = append(fs.lookups, r.URL.RawQuery)

	match := func(exact bool) (int64, *reservation) {
		for _, key := range keys {
			for id, res := range fs.reservations {
				if !res.committed || res.version != version {
					continue
				}
				if (exact && res.key == key) || (!exact && strings.HasPrefix(res.key, key)) {
					return id, res
				}
			}
		}

		return 0, nil
	}

	id, res := match(true)
	if res == nil {
		id, res = match(false)
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"cacheKey":        res.key,
		"scope":           "refs/heads/main",
		"creationTime":    "2026-10-18T10:00:00Z",
		"archiveLocation": fmt.Sprintf("%s/archive/%d", fs.server.URL, id),
	})
}

func (fs *fakeService) reserve(w http.ResponseWriter, r *http.Request) {
	fs.checkHeaders(r)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.reserveStatus != 0 {
		w.WriteHeader(fs.reserveStatus)

		return
	}

	req := struct {
		Key       string `json:"key"`
		Version   string `json:"version"`
		CacheSize int64  `json:"cacheSize"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}
	for _, res := range fs.reservations {
		if res.key == req.Key && res.version == req.Version {
			w.WriteHeader(http.StatusConflict)

			return
		}
	}

	fs.nextID++
	fs.reservations[fs.nextID] = &reservation{key: req.Key, version: req.Version, data: make([]byte, req.CacheSize)}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"cacheId": fs.nextID})
}

func (fs *fakeService) reservation(w http.ResponseWriter, r *http.Request) (*reservation, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return nil, false
	}
	res, ok := fs.reservations[id]
	if !ok {
		http.Error(w, "unknown cache id", http.StatusNotFound)

		return nil, false
	}

	return res, true
}

func (fs *fakeService) patch(w http.ResponseWriter, r *http.Request) {
	fs.checkHeaders(r)
	assert.Equal(fs.t, "application/octet-stream", r.Header.Get("Content-Type"))

	var start, end int64
	_, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/*", &start, &end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.patches = append(fs.patches, r.Header.Get("Content-Range"))
	if fs.patchStatus != 0 {
		http.Error(w, "upload refused", fs.patchStatus)

		return
	}
	res, ok := fs.reservation(w, r)
	if !ok {
		return
	}
	if int64(len(body)) != end-start+1 || end >= int64(len(res.data)) {
		http.Error(w, "invalid chunk", http.StatusBadRequest)

		return
	}
	copy(res.data[start:], body)
	w.WriteHeader(http.StatusNoContent)
}

func (fs *fakeService) commit(w http.ResponseWriter, r *http.Request) {
	fs.checkHeaders(r)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	req := struct {
		Size int64 `json:"size"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}
	res, ok := fs.reservation(w, r)
	if !ok {
		return
	}
	if req.Size != int64(len(res.data)) {
		http.Error(w, "size mismatch", http.StatusBadRequest)

		return
	}
	res.committed = true
	fs.commits++
	w.WriteHeader(http.StatusNoContent)
}

func (fs *fakeService) archive(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	res, ok := fs.reservation(w, r)
	fs.mu.Unlock()
	if !ok {
		return
	}
	serveRange(w, r, res.data, archiveOptions{})
}

func (fs *fakeService) patchList() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]string(nil), fs.patches...)
}

func (fs *fakeService) commitCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.commits
}

func (fs *fakeService) lookupList() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]string(nil), fs.lookups...)
}

// store adds a committed archive without going through the upload API.
func (fs *fakeService) store(key, version string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.nextID++
	fs.reservations[fs.nextID] = &reservation{key: key, version: version, data: data, committed: true}
}

type archiveOptions struct {
	noRange      bool
	unknownTotal bool
	md5          string // "", "base64", "hex" or "bad"
	shortChunkAt int64  // truncate the chunk starting at this offset, 0 disables
	lieTotal     int64  // announce this total instead of the real one
}

func serveRange(w http.ResponseWriter, r *http.Request, data []byte, opts archiveOptions) {
	total := int64(len(data))
	rangeHeader := r.Header.Get("Range")
	if opts.noRange || rangeHeader == "" {
		_, _ = w.Write(data)

		return
	}

	var start, end int64
	if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}
	if start >= total {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	}
	if end >= total {
		end = total - 1
	}
	if opts.shortChunkAt != 0 && start == opts.shortChunkAt {
		end = start + (end-start)/2
	}
	chunk := data[start : end+1]

	announced := strconv.FormatInt(total, 10)
	switch {
	case opts.unknownTotal:
		announced = "*"
	case opts.lieTotal != 0:
		announced = strconv.FormatInt(opts.lieTotal, 10)
	}

	sum := md5.Sum(chunk) //nolint:gosec
	switch opts.md5 {
	case "base64":
		w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	case "hex":
		w.Header().Set("Content-MD5", hex.EncodeToString(sum[:]))
	case "bad":
		w.Header().Set("Content-MD5", hex.EncodeToString(make([]byte, md5.Size)))
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", start, end, announced))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(chunk)
}

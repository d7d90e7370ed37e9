package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	body   string
	meta   string
}

func newTestStore(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*BlobStore, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{
			method: r.Method,
			path:   r.URL.Path,
			body:   string(body),
			meta:   r.Header.Get("X-Amz-Meta-Sha256"),
		})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	store, err := New(Config{
		Endpoint:  u.Host,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Region:    "us-east-1",
		Bucket:    "gserp-temp",
	})
	require.NoError(t, err)
	return store, &calls
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	store, calls := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	})

	uri, err := store.PutObjectWithDigest(context.Background(), "scraped_html/a.html", "text/html",
		[]byte("<html>a</html>"), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "s3://gserp-temp/scraped_html/a.html", uri)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPut, call.method)
	assert.Equal(t, "/gserp-temp/scraped_html/a.html", call.path)
	assert.True(t, strings.Contains(call.body, "<html>a</html>"))
	assert.Equal(t, "abc123", call.meta)
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	t.Parallel()

	store, calls := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, store.EnsureBucket(context.Background()))
	methods := make([]string, 0, len(*calls))
	for _, c := range *calls {
		methods = append(methods, c.method)
	}
	assert.Equal(t, []string{http.MethodHead, http.MethodPut}, methods)
}

func TestEnsureBucketExisting(t *testing.T) {
	t.Parallel()

	store, calls := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, store.EnsureBucket(context.Background()))
	assert.Len(t, *calls, 1)
}

func TestPresignGet(t *testing.T) {
	t.Parallel()

	store, calls := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	signed, err := store.PresignGet(context.Background(), "scraped_html/a.html", time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/gserp-temp/scraped_html/a.html", u.Path)
	assert.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Empty(t, *calls, "presigning with a known region is offline")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}

package anonpost

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageFetcher_Fetch(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", 64)
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/ok.gif":
					w.Header().Set("Content-Type", "image/gif")
					_, _ = io.WriteString(w, body)
				case "/untyped":
					_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n" + body))
				case "/error":
					w.WriteHeader(http.StatusInternalServerError)
				default:
					http.NotFound(w, r)
				}
			},
		),
	)
	t.Cleanup(srv.Close)

	f := newImageFetcher(&ImageConfig{Timeout: 5 * time.Second}, nil, discardLogger())
	ctx := context.Background()

	img, err := f.fetch(ctx, srv.URL+"/ok.gif")
	require.NoError(t, err)
	assert.Equal(t, body, string(img.data))
	assert.True(t, img.isImage())

	// content type is sniffed when the header is missing
	img, err = f.fetch(ctx, srv.URL+"/untyped")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.contentType)

	for _, path := range []string{"/error", "/missing"} {
		_, err = f.fetch(ctx, srv.URL+path)
		assert.ErrorIs(t, err, ErrTransientFetch, path)
		assert.Equal(t, msgImageFetchFailed, userMessage(err))
	}

	_, err = f.fetch(ctx, "://not a url")
	assert.ErrorIs(t, err, ErrTransientFetch)
}

func TestImageFetcher_MaxBytes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = io.WriteString(w, strings.Repeat("x", 100))
			},
		),
	)
	t.Cleanup(srv.Close)

	f := newImageFetcher(&ImageConfig{MaxBytes: 99}, nil, discardLogger())
	_, err := f.fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTransientFetch)

	f = newImageFetcher(&ImageConfig{MaxBytes: 100}, nil, discardLogger())
	img, err := f.fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, img.data, 100)
}

func TestImageFetcher_CanceledContext(t *testing.T) {
	t.Parallel()
	f := newImageFetcher(&ImageConfig{RequestsPerSecond: 1}, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.fetch(ctx, "http://127.0.0.1:1/never")
	assert.ErrorIs(t, err, ErrTransientFetch)
}

func TestImageFetcher_TimeoutDoesntLeak(t *testing.T) {
	t.Parallel()
	client := &http.Client{}
	f := newImageFetcher(&ImageConfig{Timeout: time.Second}, client, nil)
	assert.Equal(t, time.Second, f.client.Timeout)
	assert.Zero(t, client.Timeout)
}

func TestFetchedImage(t *testing.T) {
	t.Parallel()
	img := fetchedImage{data: []byte("hello"), contentType: "image/jpeg"}
	assert.True(t, img.isImage())
	assert.Equal(
		t,
		"data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString([]byte("hello")),
		img.dataURI(),
	)

	f := img.file()
	assert.Equal(t, imageAttachmentName, f.Name)
	data, err := io.ReadAll(f.Reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.False(t, fetchedImage{contentType: "text/html; charset=utf-8"}.isImage())
	assert.False(t, fetchedImage{contentType: ""}.isImage())
	assert.True(t, fetchedImage{contentType: "image/webp; q=1"}.isImage())
}

package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunDecodesSuccessEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "youtube", req.Platform)
		require.Equal(t, "https://www.youtube.com/watch?v=abc", req.URL)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"id": "abc",
				"title": "A Clip",
				"author": "someone",
				"duration": 212,
				"view_count": 1500,
				"formats": [
					{"format_id": "22", "quality": "720p", "ext": "mp4",
					 "url": "https://cdn.example.com/v.mp4", "type": "video",
					 "height": 720, "width": 1280, "vcodec": "avc1", "acodec": "mp4a"}
				]
			}
		}`))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	info, err := c.Run(context.Background(), "youtube", "https://www.youtube.com/watch?v=abc")
	require.NoError(t, err)
	require.Equal(t, "A Clip", info.Title)
	require.Equal(t, int64(1500), info.ViewCount)
	require.Len(t, info.Formats, 1)
	require.Equal(t, "720p", info.Formats[0].Quality)
	require.Equal(t, 720, info.Formats[0].Height)
}

func TestRunSurfacesExtractorError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": "Video unavailable"}`))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Run(context.Background(), "youtube", "https://www.youtube.com/watch?v=gone")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Video unavailable")
}

func TestRunRejectsNonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Run(context.Background(), "tiktok", "https://www.tiktok.com/@u/video/1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestRunHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = c.Run(ctx, "youtube", "https://www.youtube.com/watch?v=slow")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
}

package headless

import (
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestDevicesFor_SkipsUnknown(t *testing.T) {
	t.Parallel()

	devices := DevicesFor([]string{"desktop", "fridge", "mobile"})
	require.Len(t, devices, 2)
	require.Equal(t, "desktop", devices[0].Name)
	require.Equal(t, "mobile", devices[1].Name)
	require.True(t, devices[1].Mobile)
}

func TestNew_RejectsNegativeParallel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)
}

func TestResponseMeta_CapturesDocumentResponse(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 301,
			URL:    "https://example.com/moved",
		},
	})

	status, url := meta.snapshotWithFallbacks("https://example.com", "")
	require.Equal(t, 301, status)
	require.Equal(t, "https://example.com/moved", url)
}

func TestResponseMeta_IgnoresSubresources(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 404,
			URL:    "https://example.com/logo.png",
		},
	})

	status, url := meta.snapshotWithFallbacks("https://example.com", "https://example.com/final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://example.com/final", url)
}

func TestResponseMeta_FallsBackToRequestURL(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	status, url := meta.snapshotWithFallbacks("https://example.com", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://example.com", url)
}

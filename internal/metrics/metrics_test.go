package metrics

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Isolated(t *testing.T) {
	a, b := New(false), New(false)
	a.PacketsTotal.WithLabelValues("accepted").Add(3)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.PacketsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PacketsTotal.WithLabelValues("accepted")))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New(false)
	m.StallsTotal.WithLabelValues("video").Inc()
	m.StallSeconds.WithLabelValues("video").Observe(2.5)
	m.ManifestsTotal.WithLabelValues("dash", "parsed").Inc()

	path := filepath.Join(t.TempDir(), "vtrace.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `vtrace_stalls_total{content_type="video"} 1`)
	assert.Contains(t, text, `vtrace_manifests_total{dialect="dash",result="parsed"} 1`)
	assert.Contains(t, text, "vtrace_stall_seconds_bucket")

	assert.Error(t, m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")))
}

func TestServer(t *testing.T) {
	m := New(true)
	m.SegmentsTotal.WithLabelValues("mapped").Add(7)

	s := NewServer("127.0.0.1:0", "", m.Registry, nil)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `vtrace_segments_total{result="mapped"} 7`)
	assert.Contains(t, string(body), "go_goroutines")
}

package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/seawire/pkg/metrics"
)

func TestHandlerExportsCounters(t *testing.T) {
	m := metrics.New()
	m.SuccessfulAuths.Add(2)
	m.SendFailures.Add(1)
	m.SetGauges(func() int { return 7 }, func() int { return 3 })
	m.ObserveRequest("/api/v3/notification/global", "GET", "200", 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		"seawire_auth_success_total 2",
		"seawire_socket_send_failures_total 1",
		"seawire_identity_cache_users 7",
		"seawire_sockets_active 3",
		`seawire_http_request_duration_seconds_count{method="GET",route="/api/v3/notification/global",status="200"} 1`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}

func TestSnapshot(t *testing.T) {
	m := metrics.New()
	m.LedgerWriteErrors.Add(4)
	m.MessagesPosted.Add(9)

	s := m.Snapshot()
	assert.Equal(t, int64(4), s.LedgerWriteErrors)
	assert.Equal(t, int64(9), s.MessagesPosted)
	assert.Zero(t, s.CachedUsers)
	assert.Contains(t, m.JSON(), `"messages_posted": 9`)
}

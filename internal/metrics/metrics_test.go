package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	m := New()
	m.RecordOperation("send", 3*time.Millisecond, nil)
	m.RecordOperation("send", time.Millisecond, errors.New("boom"))
	m.RecordOperation("mark_read", time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("send", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("send", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("mark_read", "success")))
}

func TestInstancesDoNotCollide(t *testing.T) {
	first := New()
	second := New()
	first.MessagesAppended.Add(2)
	assert.Equal(t, 0.0, testutil.ToFloat64(second.MessagesAppended))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.MessagesMarked.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "marketchat_messages_marked_read_total 3")
}

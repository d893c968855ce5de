package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.sessionsTotal)
	assert.NotNil(t, collector.nodeExecutionsTotal)
	assert.NotNil(t, collector.eventsAppended)
	assert.NotNil(t, collector.tasksDispatched)
}

func TestCollectorRecordSession(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordSession("success", 2*time.Second)
	collector.RecordSession("failed", time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sessionsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sessionsTotal.WithLabelValues("failed")))
}

func TestCollectorActiveSessions(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SessionStarted()
	collector.SessionStarted()
	collector.SessionFinished()

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sessionsActive))
}

func TestCollectorRecordNodeExecution(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordNodeExecution("llm", "success", 500*time.Millisecond)
	collector.RecordNodeExecution("llm", "success", 300*time.Millisecond)
	collector.RecordNodeExecution("tool", "error", 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("llm", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("tool", "error")))
}

func TestCollectorRecordEventAndDispatch(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordEvent("node_start")
	collector.RecordEvent("node_start")
	collector.RecordDispatch("start", "w1", 3)
	collector.RecordDispatch("resume", "w1", 1)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.eventsAppended.WithLabelValues("node_start")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.tasksDispatched.WithLabelValues("start")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.queueDepth.WithLabelValues("w1")))
}

func TestCollectorRecordInputWait(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordInputWait()
	collector.RecordInputWait()

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.inputWaits))
}

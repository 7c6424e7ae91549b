package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeQueueSource struct {
	active int
	depths map[string]int
}

func (f *fakeQueueSource) ActiveCount() int            { return f.active }
func (f *fakeQueueSource) QueueDepths() map[string]int { return f.depths }

func TestCollector_CollectSamplesActiveAndDepth(t *testing.T) {
	source := &fakeQueueSource{active: 2, depths: map[string]int{"main": 3, "tenant-a": 1}}
	c := NewCollector(source)

	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(ActiveContainers))
	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth.WithLabelValues("main")))
	assert.Equal(t, float64(1), testutil.ToFloat64(QueueDepth.WithLabelValues("tenant-a")))
}

func TestCollector_NilSourceIsNoop(t *testing.T) {
	c := NewCollector(nil)
	assert.NotPanics(t, func() { c.collect() })
}

func TestCollector_StartStopDoesNotPanic(t *testing.T) {
	source := &fakeQueueSource{active: 1, depths: map[string]int{}}
	c := NewCollector(source)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}

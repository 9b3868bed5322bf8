package metrics

import (
	"reflect"
	"testing"
)

func TestBasicProvider_CounterReusedAndAccumulates(t *testing.T) {
	p := NewBasicProvider()

	c1 := p.Counter("ops")
	c2 := p.Counter("ops")
	if reflect.ValueOf(c1).Pointer() != reflect.ValueOf(c2).Pointer() {
		t.Fatalf("expected same counter instance for the same name")
	}

	bc, ok := c1.(*BasicCounter)
	if !ok {
		t.Fatalf("expected *BasicCounter, got %T", c1)
	}

	c1.Add(3)
	c2.Add(2)
	if got := bc.Snapshot(); got != 5 {
		t.Fatalf("counter = %d; want 5", got)
	}
}

func TestBasicProvider_GaugeSetsLatestValue(t *testing.T) {
	p := NewBasicProvider()
	g := p.Gauge("runqueue_size")
	g.Set(4)
	g.Set(1)

	bg, ok := g.(*BasicGauge)
	if !ok {
		t.Fatalf("expected *BasicGauge, got %T", g)
	}
	if got := bg.Snapshot(); got != 1 {
		t.Fatalf("gauge = %d; want 1", got)
	}
}

func TestBasicProvider_HistogramTracksMinMaxMean(t *testing.T) {
	p := NewBasicProvider()
	h := p.Histogram("poll_latency_ms")
	h.Record(1)
	h.Record(3)
	h.Record(5)

	bh, ok := h.(*BasicHistogram)
	if !ok {
		t.Fatalf("expected *BasicHistogram, got %T", h)
	}
	snap := bh.Snapshot()
	if snap.Count != 3 || snap.Min != 1 || snap.Max != 5 || snap.Mean != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestNoopProvider_NeverPanics(t *testing.T) {
	var p NoopProvider
	p.Counter("x").Add(1)
	p.Gauge("y").Set(2)
	p.Histogram("z").Record(3)
}

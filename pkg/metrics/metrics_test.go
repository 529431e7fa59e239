package metrics

import (
	"strings"
	"testing"
)

func TestInMemoryCountersAndGauges(t *testing.T) {
	m := NewInMemory()

	m.IncCounter("entries", 1)
	m.IncCounter("entries", 2)
	m.SetGauge("offset", 16)
	m.SetGauge("offset", 25)

	if got := m.Counter("entries"); got != 3 {
		t.Fatalf("expected counter 3, got %g", got)
	}
	if got := m.Gauge("offset"); got != 25 {
		t.Fatalf("expected gauge 25, got %g", got)
	}
	if got := m.Counter("missing"); got != 0 {
		t.Fatalf("expected 0 for unknown counter, got %g", got)
	}
}

func TestInMemoryRender(t *testing.T) {
	m := NewInMemory()
	m.IncCounter("b_counter", 1)
	m.SetGauge("a_gauge", 2)

	out := m.Render()
	if !strings.HasPrefix(out, "a_gauge 2\nb_counter 1") {
		t.Fatalf("unexpected render output: %q", out)
	}
}

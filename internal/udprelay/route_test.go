package udprelay

import (
	"net"
	"testing"
	"time"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
)

func stubWorker(addr string) *worker {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		panic(err)
	}
	return &worker{clientAddr: udpAddr, cancel: func() {}}
}

// TestRouteTableEvictsOnCapacity models scenario S6: with capacity 2,
// clients A, B, C each get a route; after C's insert, A's entry is gone.
func TestRouteTableEvictsOnCapacity(t *testing.T) {
	logger := logging.NopLogger()
	m := metrics.Default()
	table := newRouteTable(2, time.Hour, logger, m)

	a := stubWorker("10.0.0.1:1")
	b := stubWorker("10.0.0.2:1")
	c := stubWorker("10.0.0.3:1")

	table.Add("a", a)
	table.Add("b", b)
	table.Add("c", c)

	if _, ok := table.Get("a"); ok {
		t.Fatal("expected client a's route to be evicted once capacity was exceeded")
	}
	if _, ok := table.Get("b"); !ok {
		t.Fatal("expected client b's route to still be present")
	}
	if _, ok := table.Get("c"); !ok {
		t.Fatal("expected client c's route to still be present")
	}
}

func TestRouteTableEvictionStopsWorker(t *testing.T) {
	logger := logging.NopLogger()
	m := metrics.Default()
	table := newRouteTable(1, time.Hour, logger, m)

	stopped := false
	w := stubWorker("10.0.0.1:1")
	w.cancel = func() { stopped = true }

	table.Add("a", w)
	table.Add("b", stubWorker("10.0.0.2:1"))

	if !stopped {
		t.Fatal("expected the evicted worker's cancel func to run")
	}
}

// TestRouteTableExpiresOnTTL exercises testable property 9: an entry
// older than ttl is no longer retrievable.
func TestRouteTableExpiresOnTTL(t *testing.T) {
	logger := logging.NopLogger()
	m := metrics.Default()
	table := newRouteTable(10, 20*time.Millisecond, logger, m)

	table.Add("a", stubWorker("10.0.0.1:1"))

	if _, ok := table.Get("a"); !ok {
		t.Fatal("expected route to be present immediately after insert")
	}

	time.Sleep(50 * time.Millisecond)

	if _, ok := table.Get("a"); ok {
		t.Fatal("expected route to have expired after ttl elapsed")
	}
}

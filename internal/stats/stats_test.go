// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSnapshotAggregatesWorkers(t *testing.T) {
	sink := NewSink(4)

	for i := 0; i < 4; i++ {
		w := sink.Worker(i)
		w.RxPackets.Add(10)
		w.RxBytes.Add(1500)
		w.Dropped.Add(uint64(i))
	}

	totals := sink.Snapshot()
	if totals.RxPackets != 40 {
		t.Errorf("RxPackets = %d, want 40", totals.RxPackets)
	}
	if totals.RxBytes != 6000 {
		t.Errorf("RxBytes = %d, want 6000", totals.RxBytes)
	}
	if totals.Dropped != 6 {
		t.Errorf("Dropped = %d, want 6", totals.Dropped)
	}
}

func TestConcurrentWorkersDoNotInterfere(t *testing.T) {
	const workers = 8
	const perWorker = 10000
	sink := NewSink(workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := sink.Worker(i)
			for j := 0; j < perWorker; j++ {
				w.RxPackets.Add(1)
				w.RxBytes.Add(64)
			}
		}(i)
	}
	wg.Wait()

	totals := sink.Snapshot()
	if totals.RxPackets != workers*perWorker {
		t.Errorf("RxPackets = %d, want %d", totals.RxPackets, workers*perWorker)
	}
	if totals.RxBytes != workers*perWorker*64 {
		t.Errorf("RxBytes = %d, want %d", totals.RxBytes, workers*perWorker*64)
	}
}

func TestCollectorRegisters(t *testing.T) {
	sink := NewSink(2)
	sink.Worker(0).RxPackets.Add(5)
	sink.Worker(1).RxPackets.Add(7)

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(sink)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, fam := range families {
		if fam.GetName() == "flygate_rx_packets_total" {
			found = true
			if v := fam.GetMetric()[0].GetCounter().GetValue(); v != 12 {
				t.Errorf("flygate_rx_packets_total = %v, want 12", v)
			}
		}
	}
	if !found {
		t.Error("flygate_rx_packets_total not gathered")
	}
}

package sysinfo

import (
	"context"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := Collect(ctx, 5)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.CollectedAt.IsZero() {
		t.Fatal("CollectedAt not set")
	}
	if snap.Memory.TotalBytes == 0 {
		t.Fatal("memory total is zero")
	}
	if len(snap.Disks) == 0 {
		t.Fatal("no disks reported")
	}
	if len(snap.TopByMemory) == 0 {
		t.Fatal("no processes reported")
	}
	if len(snap.TopByMemory) > 5 {
		t.Fatalf("topN not honored: %d", len(snap.TopByMemory))
	}
	// Heaviest first.
	for i := 1; i < len(snap.TopByMemory); i++ {
		if snap.TopByMemory[i].RSSBytes > snap.TopByMemory[i-1].RSSBytes {
			t.Fatal("processes not sorted by memory")
		}
	}
}

func TestCollectWithoutProcesses(t *testing.T) {
	snap, err := Collect(context.Background(), 0)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.TopByMemory != nil {
		t.Fatal("process sampling requested with topN=0")
	}
}

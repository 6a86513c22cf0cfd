package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinyrange/vblk/internal/drivers/virtioblk"
)

type fakeSource struct {
	stats    virtioblk.Stats
	readOnly bool
}

func (f *fakeSource) Stats() virtioblk.Stats { return f.stats }
func (f *fakeSource) Capacity() uint64       { return 1000 }
func (f *fakeSource) IsReadOnly() bool       { return f.readOnly }
func (f *fakeSource) QueueSize() uint16      { return 128 }
func (f *fakeSource) FreeDescriptors() int   { return 125 }

func TestCollector(t *testing.T) {
	src := &fakeSource{stats: virtioblk.Stats{Reads: 3, Writes: 2, BytesRead: 1536, BytesWritten: 1024}}
	c := NewCollector(src)

	if n := testutil.CollectAndCount(c); n != 8 {
		t.Fatalf("collected %d metrics, want 8", n)
	}

	expected := `
# HELP vblk_virtio_blk_reads_total Sectors read by successful requests.
# TYPE vblk_virtio_blk_reads_total counter
vblk_virtio_blk_reads_total 3
# HELP vblk_virtio_blk_written_bytes_total Bytes accepted by successful writes.
# TYPE vblk_virtio_blk_written_bytes_total counter
vblk_virtio_blk_written_bytes_total 1024
# HELP vblk_virtio_blk_read_only 1 if the device refuses writes.
# TYPE vblk_virtio_blk_read_only gauge
vblk_virtio_blk_read_only 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"vblk_virtio_blk_reads_total",
		"vblk_virtio_blk_written_bytes_total",
		"vblk_virtio_blk_read_only")
	if err != nil {
		t.Fatal(err)
	}

	// Counters follow the source between scrapes.
	src.stats.Reads = 4
	src.readOnly = true
	if err := testutil.CollectAndCompare(c, strings.NewReader(`
# HELP vblk_virtio_blk_reads_total Sectors read by successful requests.
# TYPE vblk_virtio_blk_reads_total counter
vblk_virtio_blk_reads_total 4
# HELP vblk_virtio_blk_read_only 1 if the device refuses writes.
# TYPE vblk_virtio_blk_read_only gauge
vblk_virtio_blk_read_only 1
`), "vblk_virtio_blk_reads_total", "vblk_virtio_blk_read_only"); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryLint(t *testing.T) {
	reg, err := NewRegistry(&fakeSource{}, "test")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	problems, err := testutil.GatherAndLint(reg)
	if err != nil {
		t.Fatalf("GatherAndLint: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint: %s: %s", p.Metric, p.Text)
	}
	if n, err := testutil.GatherAndCount(reg, "vblk_info"); err != nil || n != 1 {
		t.Fatalf("info gauge count = %d, %v", n, err)
	}
}

func TestServe(t *testing.T) {
	reg, err := NewRegistry(&fakeSource{}, "test")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, reg, nil) }()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		cancel()
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "vblk_virtio_blk_capacity_sectors 1000") {
		t.Fatalf("scrape missing capacity:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

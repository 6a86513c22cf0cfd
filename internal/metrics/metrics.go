// Package metrics exports virtio-blk driver statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinyrange/vblk/internal/drivers/virtioblk"
)

const (
	namespace = "vblk"
	subsystem = "virtio_blk"
)

// Source is the driver state the collector samples on every scrape.
type Source interface {
	Stats() virtioblk.Stats
	Capacity() uint64
	IsReadOnly() bool
	QueueSize() uint16
	FreeDescriptors() int
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source

	reads        *prometheus.Desc
	writes       *prometheus.Desc
	bytesRead    *prometheus.Desc
	bytesWritten *prometheus.Desc
	capacity     *prometheus.Desc
	readOnly     *prometheus.Desc
	queueSize    *prometheus.Desc
	freeDescs    *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &Collector{
		src:          src,
		reads:        desc("reads_total", "Sectors read by successful requests."),
		writes:       desc("writes_total", "Sectors written by successful requests."),
		bytesRead:    desc("read_bytes_total", "Bytes returned by successful reads."),
		bytesWritten: desc("written_bytes_total", "Bytes accepted by successful writes."),
		capacity:     desc("capacity_sectors", "Device capacity in 512-byte sectors."),
		readOnly:     desc("read_only", "1 if the device refuses writes."),
		queueSize:    desc("queue_size", "Negotiated request queue size."),
		freeDescs:    desc("free_descriptors", "Descriptors on the free stack."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reads
	ch <- c.writes
	ch <- c.bytesRead
	ch <- c.bytesWritten
	ch <- c.capacity
	ch <- c.readOnly
	ch <- c.queueSize
	ch <- c.freeDescs
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(st.Reads))
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(st.Writes))
	ch <- prometheus.MustNewConstMetric(c.bytesRead, prometheus.CounterValue, float64(st.BytesRead))
	ch <- prometheus.MustNewConstMetric(c.bytesWritten, prometheus.CounterValue, float64(st.BytesWritten))

	ro := 0.0
	if c.src.IsReadOnly() {
		ro = 1
	}
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.src.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.readOnly, prometheus.GaugeValue, ro)
	ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(c.src.QueueSize()))
	ch <- prometheus.MustNewConstMetric(c.freeDescs, prometheus.GaugeValue, float64(c.src.FreeDescriptors()))
}

// NewRegistry returns a registry holding the driver collector and a static
// info gauge labelled with the binary's version.
func NewRegistry(src Source, version string) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, fmt.Errorf("metrics: register collector: %w", err)
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "info",
		Help:      "Version information for the vblk binary",
		ConstLabels: prometheus.Labels{
			"version":   version,
			"goversion": runtime.Version(),
		},
	})
	if err := reg.Register(g); err != nil {
		return nil, fmt.Errorf("metrics: register info gauge: %w", err)
	}
	g.Set(1)
	return reg, nil
}

// Serve exposes reg at /metrics on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, reg *prometheus.Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics: listening", "addr", ln.Addr().String(), "path", "/metrics")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

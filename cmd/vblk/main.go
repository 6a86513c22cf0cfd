package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vblk/internal/config"
	"github.com/tinyrange/vblk/internal/drivers/virtioblk"
	"github.com/tinyrange/vblk/internal/machine"
	"github.com/tinyrange/vblk/internal/metrics"
	"github.com/tinyrange/vblk/internal/pci"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var version = "dev"

const usage = `usage: vblk [flags] <command> [command flags]

commands:
  info     print device geometry
  read     dump sectors as hex or raw bytes
  write    write a file at a sector offset
  import   copy a file into the disk from sector 0
  export   copy the whole disk to a file
  bench    run a random read/write workload
`

type cli struct {
	stdout io.Writer
	stderr io.Writer
	// progress forces the progress bar on or off; nil decides from the tty.
	progress *bool
}

func main() {
	c := &cli{stdout: os.Stdout, stderr: os.Stderr}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := c.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "vblk: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vblk", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprint(c.stderr, usage)
		fmt.Fprintln(c.stderr, "\nflags:")
		fs.PrintDefaults()
	}

	configPath := fs.String("config", config.DefaultFilename, "configuration file")
	image := fs.String("image", "", "disk image file (default: in-memory disk)")
	sectors := fs.Uint64("sectors", 0, "size of the in-memory disk in sectors")
	readOnly := fs.Bool("ro", false, "attach the disk read-only")
	timeout := fs.Duration("timeout", 0, "per-request timeout")
	latency := fs.Duration("latency", 0, "emulated device latency per request")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "image":
			cfg.Image = *image
		case "sectors":
			cfg.Sectors = *sectors
		case "ro":
			cfg.ReadOnly = *readOnly
		case "timeout":
			cfg.RequestTimeout = config.Duration(*timeout)
		case "latency":
			cfg.DeviceLatency = config.Duration(*latency)
		case "debug":
			if *debug {
				cfg.LogLevel = "debug"
			}
		}
	})

	log := slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var fn func(context.Context, *machine.Machine, []string) error
	switch cmd {
	case "info":
		fn = c.info
	case "read":
		fn = c.read
	case "write":
		fn = c.write
	case "import":
		fn = c.importImage
	case "export":
		fn = c.exportImage
	case "bench":
		fn = c.bench
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	m, err := machine.New(cfg, machine.WithLogger(log))
	if err != nil {
		return err
	}
	if err := m.Boot(); err != nil {
		m.Close()
		return err
	}

	err = fn(ctx, m, rest)
	if cerr := m.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *cli) info(_ context.Context, m *machine.Machine, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctrl := m.Controller()
	cfg := m.Config()
	dev, _ := pci.Find(m.Bus(), pci.VendorVirtio, pci.DeviceVirtioBlkLegacy)
	fmt.Fprintf(c.stdout, "device:     %s\n", dev)
	fmt.Fprintf(c.stdout, "iobase:     0x%04x\n", cfg.IOBase)
	fmt.Fprintf(c.stdout, "irq:        %d\n", cfg.IRQLine)
	fmt.Fprintf(c.stdout, "sectors:    %d\n", ctrl.Capacity())
	fmt.Fprintf(c.stdout, "bytes:      %d\n", ctrl.Capacity()*virtioblk.SectorSize)
	fmt.Fprintf(c.stdout, "read-only:  %t\n", ctrl.IsReadOnly())
	fmt.Fprintf(c.stdout, "queue size: %d\n", ctrl.QueueSize())
	return nil
}

func (c *cli) read(_ context.Context, m *machine.Machine, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	sector := fs.Uint64("sector", 0, "first sector")
	count := fs.Int("count", 1, "number of sectors")
	raw := fs.Bool("raw", false, "write raw bytes instead of a hex dump")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count <= 0 {
		return fmt.Errorf("read: -count must be positive")
	}

	buf := make([]byte, *count*virtioblk.SectorSize)
	if err := m.Controller().ReadSectors(*sector, *count, buf); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if *raw {
		_, err := c.stdout.Write(buf)
		return err
	}
	d := hex.Dumper(c.stdout)
	if _, err := d.Write(buf); err != nil {
		return err
	}
	return d.Close()
}

func (c *cli) write(_ context.Context, m *machine.Machine, args []string) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	sector := fs.Uint64("sector", 0, "first sector")
	file := fs.String("file", "", "file to write (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("write: -file is required")
	}

	var (
		data []byte
		err  error
	)
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	n, err := m.Disk().WriteAt(data, int64(*sector)*virtioblk.SectorSize)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	fmt.Fprintf(c.stdout, "wrote %d bytes at sector %d\n", n, *sector)
	return nil
}

func (c *cli) importImage(ctx context.Context, m *machine.Machine, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	file := fs.String("file", "", "image to copy into the disk")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("import: -file is required")
	}

	src, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	disk := m.Disk()
	if info.Size() > disk.Size() {
		return fmt.Errorf("import: %s is %d bytes, disk holds %d", *file, info.Size(), disk.Size())
	}

	bar := c.newBar(info.Size(), "import "+*file, true)
	defer bar.Close()

	dst := io.MultiWriter(io.NewOffsetWriter(disk, 0), bar)
	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	return nil
}

func (c *cli) exportImage(ctx context.Context, m *machine.Machine, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	file := fs.String("file", "", "file to write the disk contents to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("export: -file is required")
	}

	disk := m.Disk()
	dst, err := os.Create(*file)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	bar := c.newBar(disk.Size(), "export "+*file, true)
	defer bar.Close()

	src := io.NewSectionReader(disk, 0, disk.Size())
	if _, err := io.Copy(io.MultiWriter(dst, bar), &ctxReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		os.Remove(*file)
		return fmt.Errorf("export: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

func (c *cli) bench(ctx context.Context, m *machine.Machine, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	n := fs.Int("n", 1000, "requests per worker")
	workers := fs.Int("workers", 4, "concurrent workers")
	writes := fs.Float64("writes", 0.3, "fraction of requests that write")
	listen := fs.String("metrics", m.Config().MetricsListen, "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n <= 0 || *workers <= 0 {
		return fmt.Errorf("bench: -n and -workers must be positive")
	}

	ctrl := m.Controller()
	capacity := ctrl.Capacity()
	if capacity == 0 {
		return fmt.Errorf("bench: disk is empty")
	}
	if ctrl.IsReadOnly() {
		*writes = 0
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var serve *errgroup.Group
	if *listen != "" {
		reg, err := metrics.NewRegistry(ctrl, version)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			return fmt.Errorf("bench: metrics listener: %w", err)
		}
		serve = new(errgroup.Group)
		serve.Go(func() error { return metrics.Serve(ctx, ln, reg, slog.Default()) })
	}

	bar := c.newBar(int64(*n)*int64(*workers), "bench", false)
	var failures atomic.Uint64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			var buf [virtioblk.SectorSize]byte
			for i := 0; i < *n; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				sector := rand.Uint64N(capacity)
				var err error
				if rand.Float64() < *writes {
					buf[0] = byte(i)
					err = ctrl.WriteSector(sector, &buf)
				} else {
					err = ctrl.ReadSector(sector, &buf)
				}
				if errors.Is(err, virtioblk.ErrDevice) {
					failures.Add(1)
				} else if err != nil {
					return fmt.Errorf("bench: sector %d: %w", sector, err)
				}
				bar.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	bar.Close()

	cancel()
	if serve != nil {
		if serr := serve.Wait(); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return err
	}

	st := ctrl.Stats()
	total := st.Reads + st.Writes
	fmt.Fprintf(c.stdout, "requests:   %d (%d reads, %d writes, %d device errors)\n", total, st.Reads, st.Writes, failures.Load())
	fmt.Fprintf(c.stdout, "elapsed:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(c.stdout, "throughput: %.0f req/s, %.2f MiB/s\n",
		float64(total)/elapsed.Seconds(),
		float64(st.BytesRead+st.BytesWritten)/elapsed.Seconds()/(1<<20))
	return nil
}

// newBar draws to the terminal only when stderr is one.
func (c *cli) newBar(size int64, title string, bytes bool) *progressbar.ProgressBar {
	show := false
	if c.progress != nil {
		show = *c.progress
	} else if f, ok := c.stderr.(*os.File); ok {
		show = term.IsTerminal(int(f.Fd()))
	}
	if !show {
		if bytes {
			return progressbar.DefaultBytesSilent(size, title)
		}
		return progressbar.DefaultSilent(size, title)
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(title),
		progressbar.OptionSetWriter(c.stderr),
		progressbar.OptionShowBytes(bytes),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(c.stderr, "\n") }),
		progressbar.OptionFullWidth(),
	)
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

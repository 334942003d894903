// Command recstore operates on a recstore data directory: it runs a demo
// workload, inspects and dumps the write-ahead log, runs recovery, takes
// checkpoints and serves metrics.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"

	"recstore/monitoring/exporter"
	"recstore/pkg/config"
	"recstore/pkg/debug/logreader"
	"recstore/pkg/engine"
	"recstore/pkg/log/wal"
	"recstore/pkg/logging"
	"recstore/pkg/metrics"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/disk"
)

type Globals struct {
	Config string `name:"config" short:"c" help:"Config file (YAML, TOML or JSON)." type:"existingfile"`
	Dir    string `name:"dir" short:"d" help:"Data directory; overrides the file paths from the config." type:"path"`
}

var CLI struct {
	Globals

	Demo       DemoCmd       `cmd:"" help:"Run a short transactional workload and print the result."`
	InspectLog InspectLogCmd `cmd:"" name:"inspect-log" help:"Browse the write-ahead log interactively."`
	DumpLog    DumpLogCmd    `cmd:"" name:"dump-log" help:"Print every log record."`
	Recover    RecoverCmd    `cmd:"" help:"Run crash recovery and report what it did."`
	Checkpoint CheckpointCmd `cmd:"" help:"Take a checkpoint, optionally truncating the log."`
	Stat       StatCmd       `cmd:"" help:"Print engine statistics."`
	Serve      ServeCmd      `cmd:"" help:"Serve Prometheus metrics for the store."`
}

// load resolves the configuration and initialises logging.
func (g *Globals) load() (config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return cfg, err
	}
	if g.Dir != "" {
		if err := os.MkdirAll(g.Dir, 0o750); err != nil {
			return cfg, err
		}
		cfg.LogFilePath = filepath.Join(g.Dir, config.DefaultLogFileName)
		cfg.PageFilePath = filepath.Join(g.Dir, config.DefaultPageFileName)
	}
	if err := logging.Init(cfg.LoggerConfig()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (g *Globals) open(opts ...engine.Option) (*engine.Engine, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return engine.Open(cfg, opts...)
}

// closeEngine closes e and reports the failure through err unless an
// earlier error is already there.
func closeEngine(e *engine.Engine, err *error) {
	if cerr := e.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
)

func printField(label string, value any) {
	fmt.Printf("%s %v\n", labelStyle.Render(fmt.Sprintf("%-16s", label+":")), value)
}

func printStats(s engine.Stats) {
	printField("transactions", s.ActiveTransactions)
	for _, t := range s.Transactions {
		printField(t.ID.String(), fmt.Sprintf("%s reads=%d writes=%d allocs=%d frees=%d", t.Status, t.RecordsRead, t.RecordsWritten, t.RecordsAllocated, t.RecordsFreed))
	}
	printField("pages", s.NumPages)
	printField("cached pages", fmt.Sprintf("%d of %d", s.CachedPages, s.CacheCapacity))
	printField("dirty pages", s.DirtyPages)
	printField("log", fmt.Sprintf("[%d, %d)", s.StartLSN, s.NextLSN))
	printField("durable", s.DurableLSN)
	printField("checkpoint", s.CheckpointLSN)
}

type DemoCmd struct {
	Counters int `default:"4" help:"Number of counters to create."`
	Rounds   int `default:"10" help:"Increments applied to each counter."`
}

func (c *DemoCmd) Run(g *Globals) (err error) {
	fmt.Println(titleStyle.Render("recstore demo"))

	e, err := g.open()
	if err != nil {
		return err
	}
	defer closeEngine(e, &err)

	tid, err := e.Begin()
	if err != nil {
		return err
	}
	rids := make([]primitives.RecordID, c.Counters)
	for i := range rids {
		if rids[i], err = e.Alloc(tid, operation.CounterSize); err != nil {
			return err
		}
		for range c.Rounds {
			if err := e.Increment(tid, rids[i], int32(i+1)); err != nil {
				return err
			}
		}
	}
	if err := e.Commit(tid); err != nil {
		return err
	}

	// A rolled back transaction leaves the counters untouched.
	loser, err := e.Begin()
	if err != nil {
		return err
	}
	for _, rid := range rids {
		if err := e.Set(loser, rid, make([]byte, operation.CounterSize)); err != nil {
			return err
		}
	}
	if err := e.Abort(loser); err != nil {
		return err
	}

	reader, err := e.Begin()
	if err != nil {
		return err
	}
	for _, rid := range rids {
		b, err := e.Read(reader, rid)
		if err != nil {
			return err
		}
		printField(rid.String(), operation.Counter(b))
	}
	if err := e.Commit(reader); err != nil {
		return err
	}

	printStats(e.Stats())
	fmt.Println(okStyle.Render("done"))
	return nil
}

type InspectLogCmd struct{}

func (c *InspectLogCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	return logreader.Run(disk.OS{}, cfg.LogFilePath, operation.NewRegistry())
}

type DumpLogCmd struct{}

func (c *DumpLogCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	reader, err := wal.NewLogReader(disk.OS{}, cfg.LogFilePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	h := reader.Header()
	fmt.Println(titleStyle.Render(fmt.Sprintf("log %s base=%d checkpoint=%d", h.LogID, h.BaseLSN, h.CheckpointLSN)))

	ops := operation.NewRegistry()
	n := 0
	for {
		rec, err := reader.ReadNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("after %d records: %w", n, err)
		}
		n++
		line := rec.String()
		if rec.Op != 0 {
			line += " (" + ops.Name(rec.Op) + ")"
		}
		fmt.Println(line)
	}
	printField("records", n)
	return nil
}

type RecoverCmd struct{}

func (c *RecoverCmd) Run(g *Globals) error {
	e, err := g.open()
	if err != nil {
		return err
	}
	r := e.Stats().Recovery
	printField("scanned", r.Scanned)
	printField("redone", r.Redone)
	printField("losers", r.Losers)
	printField("undone", r.Undone)
	printField("finished", r.Finished)
	printField("elapsed", r.Elapsed)
	return e.Close()
}

type CheckpointCmd struct {
	Truncate bool `help:"Flush every page and drop the log prefix recovery no longer needs."`
}

func (c *CheckpointCmd) Run(g *Globals) (err error) {
	e, err := g.open()
	if err != nil {
		return err
	}
	defer closeEngine(e, &err)

	if c.Truncate {
		start, err := e.TruncateLog()
		if err != nil {
			return err
		}
		printField("log starts at", start)
		return nil
	}
	lsn, err := e.Checkpoint()
	if err != nil {
		return err
	}
	printField("checkpoint", lsn)
	return nil
}

type StatCmd struct{}

func (c *StatCmd) Run(g *Globals) error {
	e, err := g.open()
	if err != nil {
		return err
	}
	printStats(e.Stats())
	return e.Close()
}

type ServeCmd struct {
	Addr     string        `help:"Listen address; defaults to metrics.addr from the config, then :9120."`
	Simulate time.Duration `help:"Run a synthetic workload at this interval."`
}

func (c *ServeCmd) Run(g *Globals) (err error) {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	addr := c.Addr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr == "" {
		addr = ":9120"
	}

	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}

	m := metrics.New()
	e, err := engine.Open(cfg, engine.WithMetrics(m))
	if err != nil {
		return err
	}
	defer closeEngine(e, &err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Simulate > 0 {
		go func() {
			if err := exporter.Simulate(ctx, e, c.Simulate); err != nil {
				logging.WithError(err).Error("simulation stopped")
			}
		}()
	}
	return exporter.New(e, m, addr).ListenAndServe(ctx)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("recstore"),
		kong.Description("Transactional record store with write-ahead logging and ARIES recovery."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&CLI.Globals)
	_ = logging.Close()
	ctx.FatalIfErrorf(err)
}

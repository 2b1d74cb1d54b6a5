package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vlapic/internal/config"
	"github.com/tinyrange/vlapic/internal/lapic"
	"github.com/tinyrange/vlapic/internal/trace"
	"golang.org/x/term"
)

func run() error {
	configPath := flag.String("config", "", "YAML configuration file (default: built-in)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	duration := flag.Duration("duration", 0, "override sim.duration")
	tracePath := flag.String("trace", "", "override the trace output path")
	snapshotPath := flag.String("snapshot", "", "write the final LAPIC state to this file")
	hostTimer := flag.String("host-timer", "", "override lapic.host_timer (go, timerfd, manual)")
	seed := flag.Int64("seed", 0, "override sim.seed")
	quiet := flag.Bool("quiet", false, "disable the progress bar")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `lapicsim - simulate one vCPU with a virtual local APIC

USAGE:
  lapicsim [flags]

FLAGS:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
EXAMPLES:
  lapicsim                                   Run the built-in scenario for 1s
  lapicsim -print-config > sim.yaml          Write the built-in configuration
  lapicsim -config sim.yaml -trace out.trace Run a scenario and record a trace
  lapicsim -host-timer manual -duration 10s  Run 10s of virtual time
`)
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *duration > 0 {
		cfg.Sim.Duration = config.Duration(*duration)
	}
	if *tracePath != "" {
		cfg.Trace = *tracePath
	}
	if *hostTimer != "" {
		cfg.Lapic.HostTimer = *hostTimer
	}
	if *seed != 0 {
		cfg.Sim.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *printConfig {
		return config.Write(os.Stdout, cfg)
	}

	level, _ := cfg.SlogLevel()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var tracer *trace.Writer
	if cfg.Trace != "" {
		w, err := trace.Create(cfg.Trace)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		tracer = w
	}

	sim, err := newSimulator(cfg, log, tracer)
	if err != nil {
		if tracer != nil {
			tracer.Close()
		}
		return err
	}

	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	var bar *progressbar.ProgressBar
	if interactive && !*quiet {
		total := cfg.Sim.Duration.Duration().Milliseconds()
		bar = progressbar.Default(total, "simulating")
		sim.progress = func(elapsed time.Duration) {
			ms := elapsed.Milliseconds()
			if ms > total {
				ms = total
			}
			bar.Set64(ms)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info("starting simulation",
		"duration", cfg.Sim.Duration.Duration(),
		"host_timer", cfg.Lapic.HostTimer,
		"timer_mode", cfg.Sim.Timer.Mode,
		"offload", cfg.Lapic.HardwareOffload,
		"retire_policy", cfg.Lapic.RetirePolicy,
	)
	res, err := sim.run(ctx)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if tracer != nil {
		if cerr := tracer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close trace: %w", cerr)
		}
	}
	if err != nil {
		return err
	}

	if *snapshotPath != "" {
		if err := writeSnapshot(*snapshotPath, res.snapshot); err != nil {
			return err
		}
	}

	report(os.Stdout, res, cfg, term.IsTerminal(int(os.Stdout.Fd())))
	return nil
}

func writeSnapshot(path string, s lapic.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()
	if err := s.Encode(f); err != nil {
		return err
	}
	return f.Close()
}

type row struct {
	label string
	value string
}

func report(w io.Writer, res result, cfg config.Config, color bool) {
	heading := func(s string) string {
		if !color {
			return s
		}
		return ansi.Style{}.Bold().ForegroundColor(ansi.Cyan).Styled(s)
	}
	table := func(rows []row) {
		width := 0
		for _, r := range rows {
			if n := ansi.StringWidth(r.label); n > width {
				width = n
			}
		}
		for _, r := range rows {
			pad := strings.Repeat(" ", width-ansi.StringWidth(r.label))
			fmt.Fprintf(w, "  %s%s  %s\n", r.label, pad, r.value)
		}
	}

	clockKind := "wall"
	if res.virtual {
		clockKind = "virtual"
	}
	fmt.Fprintln(w, heading("simulation"))
	table([]row{
		{"elapsed", fmt.Sprintf("%s (%s time)", res.elapsed.Round(time.Microsecond), clockKind)},
		{"timer mode", res.timerMode.String()},
		{"retire policy", cfg.Lapic.RetirePolicy},
		{"timer", fmt.Sprintf("%v, next deadline %d, %d missed periods", res.timer.State, res.timer.Deadline, res.timer.MissedPeriods)},
	})

	fmt.Fprintln(w, heading("vcpu"))
	table([]row{
		{"entries", fmt.Sprint(res.vcpu.Entries)},
		{"halts", fmt.Sprint(res.vcpu.Halts)},
		{"wakes", fmt.Sprint(res.vcpu.Wakes)},
		{"injected", fmt.Sprint(res.vcpu.Injected)},
		{"deferred", fmt.Sprint(res.vcpu.Deferred)},
		{"rejected", fmt.Sprint(res.vcpu.Rejected)},
		{"timer exits", fmt.Sprint(res.vcpu.TimerExits)},
		{"window exits", fmt.Sprint(res.vcpu.WindowExits)},
		{"offloads", fmt.Sprintf("%d (%d of %d deadlines taken)", res.vcpu.Offloads, res.guest.DeadlinesTaken, res.guest.DeadlinesOffered)},
	})

	fmt.Fprintln(w, heading("devices"))
	var rows []row
	for _, d := range res.devices {
		rows = append(rows, row{
			label: fmt.Sprintf("%s (%v)", d.name, d.vector),
			value: fmt.Sprintf("raised %d, handled %d", d.raised, res.handled[d.vector]),
		})
	}
	table(rows)

	fmt.Fprintln(w, heading("handled vectors"))
	vectors := make([]lapic.Vector, 0, len(res.handled))
	for v := range res.handled {
		vectors = append(vectors, v)
	}
	sort.Slice(vectors, func(i, j int) bool { return vectors[i] < vectors[j] })
	rows = rows[:0]
	for _, v := range vectors {
		rows = append(rows, row{label: v.String(), value: fmt.Sprint(res.handled[v])})
	}
	table(rows)

	if res.traceLen > 0 {
		fmt.Fprintf(w, "%s %d events written to %s\n", heading("trace"), res.traceLen, cfg.Trace)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/vlapic/internal/lapic"
	"github.com/tinyrange/vlapic/internal/trace"
	"golang.org/x/term"
)

var kindColors = map[trace.Kind]ansi.BasicColor{
	trace.KindRaise:         ansi.Blue,
	trace.KindInject:        ansi.Green,
	trace.KindDefer:         ansi.Yellow,
	trace.KindReject:        ansi.Red,
	trace.KindTimerArm:      ansi.Cyan,
	trace.KindTimerExpire:   ansi.Magenta,
	trace.KindTimerCoalesce: ansi.Yellow,
	trace.KindTimerDeliver:  ansi.Magenta,
	trace.KindTimerCancel:   ansi.Cyan,
}

func parseFilter(kinds, cpus, vector string, start, end time.Duration, limit, tail int) (trace.Filter, error) {
	var f trace.Filter
	if kinds != "" {
		for _, name := range strings.Split(kinds, ",") {
			k, err := trace.ParseKind(strings.TrimSpace(name))
			if err != nil {
				return f, err
			}
			f.Kinds = append(f.Kinds, k)
		}
	}
	if cpus != "" {
		for _, s := range strings.Split(cpus, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
			if err != nil {
				return f, fmt.Errorf("invalid cpu %q: %w", s, err)
			}
			f.CPUs = append(f.CPUs, uint16(n))
		}
	}
	if vector != "" {
		n, err := strconv.ParseUint(vector, 0, 8)
		if err != nil {
			return f, fmt.Errorf("invalid vector %q: %w", vector, err)
		}
		f.Vector, f.HasVector = uint8(n), true
	}
	f.Start = int64(start)
	f.End = int64(end)
	if limit > 0 && tail > 0 {
		return f, fmt.Errorf("-limit and -tail are mutually exclusive")
	}
	f.Limit = limit
	if tail > 0 {
		f.Limit = -tail
	}
	return f, nil
}

type printer struct {
	w     io.Writer
	color bool
	width int
}

func newPrinter(w io.Writer, color bool) *printer {
	p := &printer{w: w, color: color}
	for _, k := range trace.Kinds() {
		if n := ansi.StringWidth(k.String()); n > p.width {
			p.width = n
		}
	}
	return p
}

func (p *printer) kind(k trace.Kind) string {
	name := k.String()
	pad := strings.Repeat(" ", max(p.width-ansi.StringWidth(name), 0))
	if c, ok := kindColors[k]; ok && p.color {
		name = ansi.Style{}.ForegroundColor(c).Styled(name)
	}
	return name + pad
}

func (p *printer) event(e trace.Event) {
	detail := ""
	switch e.Kind {
	case trace.KindTimerArm, trace.KindTimerExpire, trace.KindTimerOffload:
		detail = fmt.Sprintf("deadline=%d", e.Value)
	case trace.KindTimerDeliver:
		detail = fmt.Sprintf("missed=%d", e.Value)
	case trace.KindTimerCoalesce:
		detail = fmt.Sprintf("coalesced=%d", e.Value)
	}
	fmt.Fprintf(p.w, "%14s  cpu%-3d %s  %-22s %s\n",
		time.Duration(e.Time), e.CPU, p.kind(e.Kind), lapic.Vector(e.Vector), detail)
}

func (p *printer) summary(r *trace.Reader, f trace.Filter) {
	counts := r.CountByKind(f)
	first, last := r.TimeRange()
	fmt.Fprintf(p.w, "%d events over %s\n", r.Count(f), time.Duration(last-first))
	for _, k := range trace.Kinds() {
		if n := counts[k]; n > 0 {
			fmt.Fprintf(p.w, "  %s  %d\n", p.kind(k), n)
		}
	}
}

func run() error {
	kinds := flag.String("kind", "", "comma separated event kinds to show")
	cpus := flag.String("cpu", "", "comma separated vCPU ids to show")
	vector := flag.String("vector", "", "only show events for this vector (e.g. 0xf1)")
	start := flag.Duration("start", 0, "skip events before this timestamp")
	end := flag.Duration("end", 0, "skip events after this timestamp")
	limit := flag.Int("limit", 0, "show at most this many events from the start")
	tail := flag.Int("tail", 0, "show only this many events from the end")
	summary := flag.Bool("summary", false, "print per-kind counts instead of events")
	listKinds := flag.Bool("kinds", false, "list event kinds and exit")
	noColor := flag.Bool("no-color", false, "disable colored output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `lapictrace - inspect LAPIC event traces written by lapicsim

USAGE:
  lapictrace [flags] <trace-file>

FLAGS:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
EXAMPLES:
  lapictrace out.trace                        Print every event
  lapictrace -summary out.trace               Count events per kind
  lapictrace -kind inject,defer -tail 20 out.trace
  lapictrace -vector 0xf1 -start 10ms -end 20ms out.trace
`)
	}
	flag.Parse()

	if *listKinds {
		for _, k := range trace.Kinds() {
			fmt.Println(k)
		}
		return nil
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected one trace file")
	}

	f, err := parseFilter(*kinds, *cpus, *vector, *start, *end, *limit, *tail)
	if err != nil {
		return err
	}
	r, err := trace.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}

	p := newPrinter(os.Stdout, !*noColor && term.IsTerminal(int(os.Stdout.Fd())))
	if *summary {
		p.summary(r, f)
		return nil
	}
	return r.Each(f, func(e trace.Event) error {
		p.event(e)
		return nil
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

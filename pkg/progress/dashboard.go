package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"
)

// Dashboard periodically renders a full-screen progress frame. It
// exits, restoring nothing: the coordinator sets abort before the
// terminal is needed again, which is what releases the render loop.
type Dashboard struct {
	tracker     *Tracker
	interval    time.Duration
	cpuInterval time.Duration
	out         io.Writer
	sampler     *cpuSampler

	lastSample time.Time
	lastUsage  map[int]float64

	// width returns the terminal width; swapped out in tests.
	width func() int
}

// NewDashboard renders tracker to out every interval. CPU utilization
// is resampled at most every cpuInterval, which may be coarser than
// the refresh rate.
func NewDashboard(tracker *Tracker, interval, cpuInterval time.Duration, out io.Writer) *Dashboard {
	if interval <= 0 {
		interval = time.Second
	}
	if cpuInterval <= 0 {
		cpuInterval = interval
	}
	d := &Dashboard{
		tracker:     tracker,
		interval:    interval,
		cpuInterval: cpuInterval,
		out:         out,
		sampler:     newCPUSampler(),
	}
	d.width = func() int {
		if f, ok := out.(*os.File); ok {
			if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
				return w
			}
		}
		return 80
	}
	return d
}

// Run draws a frame per tick until ctx is done. pids supplies the live
// mapper process IDs for CPU sampling; remote mappers report pid 0 and
// are skipped.
func (d *Dashboard) Run(ctx context.Context, pids func() []int) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.render(pids())
		}
	}
}

func (d *Dashboard) render(pids []int) {
	snap := d.tracker.Snapshot()
	width := d.width()

	var b strings.Builder
	// Cursor home + clear to end of screen, then repaint in place.
	b.WriteString("\x1b[H\x1b[2J")

	b.WriteString(header("parafile", width))
	fmt.Fprintf(&b, "files  %d / %d\n", snap.FilesProcessed, snap.FilesTotal)
	fmt.Fprintf(&b, "bytes  %d / %d\n", snap.BytesProcessed, snap.BytesTotal)
	if snap.BytesTotal > 0 {
		fmt.Fprintf(&b, "%s %.1f%%\n",
			bar(float64(snap.BytesProcessed)/float64(snap.BytesTotal), width-8),
			float64(snap.BytesProcessed)/float64(snap.BytesTotal)*100)
	}
	if snap.FilesRequeued > 0 {
		fmt.Fprintf(&b, "requeued  %d\n", snap.FilesRequeued)
	}
	if snap.LastFileProcessed != "" {
		fmt.Fprintf(&b, "last  %s\n", truncate(snap.LastFileProcessed, width-6))
	}

	usage := d.lastUsage
	if time.Since(d.lastSample) >= d.cpuInterval {
		usage = d.sampler.sample(localPids(pids))
		d.lastUsage = usage
		d.lastSample = time.Now()
	}
	if len(usage) > 0 {
		b.WriteString(header("mappers", width))
		sorted := make([]int, 0, len(usage))
		for pid := range usage {
			sorted = append(sorted, pid)
		}
		sort.Ints(sorted)
		for _, pid := range sorted {
			fmt.Fprintf(&b, "pid %-8d %5.1f%% cpu\n", pid, usage[pid])
		}
	}

	if len(snap.Messages) > 0 {
		b.WriteString(header("messages", width))
		for _, msg := range snap.Messages {
			fmt.Fprintf(&b, "%s\n", truncate(msg, width))
		}
	}

	fmt.Fprint(d.out, b.String())
}

func localPids(pids []int) []int {
	out := pids[:0:0]
	for _, pid := range pids {
		if pid > 0 {
			out = append(out, pid)
		}
	}
	return out
}

func header(title string, width int) string {
	if width > len(title)+4 {
		return fmt.Sprintf("-- %s %s\n", title, strings.Repeat("-", width-len(title)-4))
	}
	return title + "\n"
}

func bar(frac float64, width int) string {
	if width < 10 {
		width = 10
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * float64(width))
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

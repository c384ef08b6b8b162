// Package progress renders the engine's event stream for humans or
// machines. The reporter is the sole consumer of the progress channel and
// the sole writer to its output stream.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/dvtools/dvbulk/internal/types"
)

// Format selects the output rendering.
type Format int

const (
	FormatHuman Format = iota
	FormatJSON
)

// ParseFormat maps a CLI flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "human", "text":
		return FormatHuman, nil
	case "json", "ndjson":
		return FormatJSON, nil
	default:
		return FormatHuman, fmt.Errorf("unknown progress format %q", s)
	}
}

// Options configures a Reporter.
type Options struct {
	Format Format
	Out    io.Writer

	// MaxErrorSamples bounds the error list in the terminal summary.
	// 0 means the default of 10.
	MaxErrorSamples int

	// MinInterval rate-limits human lines per (phase, entity) key.
	// 0 means the default of one second. JSON output is never rate-limited.
	MinInterval time.Duration

	// NoColor disables ANSI styling. The NO_COLOR environment variable
	// forces it on regardless.
	NoColor bool
}

// rate-smoothing window for the ETA estimate.
const emaWindow = 5 * time.Second

type keyState struct {
	current  int
	success  int
	failure  int
	lastLine time.Time
	emaRate  float64
	lastSeen time.Time
}

// Reporter consumes progress events and renders them. Run is the only
// goroutine that touches the output writer.
type Reporter struct {
	opts    Options
	style   styles
	started time.Time

	mu   sync.Mutex
	keys map[string]*keyState
	done chan struct{}
}

type styles struct {
	elapsed lipgloss.Style
	phase   lipgloss.Style
	ok      lipgloss.Style
	fail    lipgloss.Style
	dim     lipgloss.Style
}

// New creates a reporter. Call Run with the event channel, then Summary
// after the engine returns.
func New(opts Options) *Reporter {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.MaxErrorSamples <= 0 {
		opts.MaxErrorSamples = 10
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if _, present := os.LookupEnv("NO_COLOR"); present {
		opts.NoColor = true
	}

	r := &Reporter{
		opts:    opts,
		started: time.Now(),
		keys:    make(map[string]*keyState),
		done:    make(chan struct{}),
	}
	r.style = buildStyles(opts.NoColor)
	return r
}

func buildStyles(noColor bool) styles {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	return styles{
		elapsed: lipgloss.NewStyle().Faint(true),
		phase:   lipgloss.NewStyle().Bold(true),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		dim:     lipgloss.NewStyle().Faint(true),
	}
}

// Run drains the channel until it closes. Call exactly once, usually in its
// own goroutine; Wait blocks until it finishes.
func (r *Reporter) Run(events <-chan types.ProgressEvent) {
	defer close(r.done)
	for ev := range events {
		r.handle(ev)
	}
}

// Wait blocks until Run has drained the channel.
func (r *Reporter) Wait() {
	<-r.done
}

func (r *Reporter) handle(ev types.ProgressEvent) {
	ev = r.clampMonotone(ev)

	if r.opts.Format == FormatJSON {
		line, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(r.opts.Out, string(line))
		return
	}
	r.humanLine(ev)
}

// clampMonotone enforces that current, success, and failure never go
// backwards for a (phase, entity) key, and folds the instant rate into the
// EMA used for the ETA.
func (r *Reporter) clampMonotone(ev types.ProgressEvent) types.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(ev.Phase) + "|" + ev.Entity + "|" + ev.Relationship
	st, ok := r.keys[key]
	if !ok {
		st = &keyState{}
		r.keys[key] = st
	}

	if ev.Current < st.current {
		ev.Current = st.current
	}
	if ev.SuccessCount < st.success {
		ev.SuccessCount = st.success
	}
	if ev.FailureCount < st.failure {
		ev.FailureCount = st.failure
	}
	st.current = ev.Current
	st.success = ev.SuccessCount
	st.failure = ev.FailureCount

	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if ev.InstantRate > 0 {
		if st.emaRate == 0 {
			st.emaRate = ev.InstantRate
		} else {
			dt := now.Sub(st.lastSeen)
			if dt <= 0 {
				dt = time.Second
			}
			alpha := float64(dt) / float64(dt+emaWindow)
			st.emaRate = alpha*ev.InstantRate + (1-alpha)*st.emaRate
		}
	}
	st.lastSeen = now

	if ev.Total > ev.Current && st.emaRate > 0 {
		ev.ETA = time.Duration(float64(ev.Total-ev.Current) / st.emaRate * float64(time.Second))
	}
	return ev
}

func (r *Reporter) humanLine(ev types.ProgressEvent) {
	r.mu.Lock()
	key := string(ev.Phase) + "|" + ev.Entity + "|" + ev.Relationship
	st := r.keys[key]
	terminal := ev.Phase == types.PhaseComplete || ev.Phase == types.PhaseError ||
		(ev.Total > 0 && ev.Current >= ev.Total)
	if !terminal && time.Since(st.lastLine) < r.opts.MinInterval {
		r.mu.Unlock()
		return
	}
	st.lastLine = time.Now()
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString(r.style.elapsed.Render("[" + formatElapsed(time.Since(r.started)) + "]"))
	b.WriteString(" ")
	b.WriteString(r.style.phase.Render(string(ev.Phase)))
	if ev.Entity != "" {
		b.WriteString(" " + ev.Entity)
	}
	if ev.Relationship != "" {
		b.WriteString(" " + r.style.dim.Render(ev.Relationship))
	}
	if ev.Total > 0 {
		b.WriteString(fmt.Sprintf(" %d/%d", ev.Current, ev.Total))
	} else if ev.Current > 0 {
		b.WriteString(fmt.Sprintf(" %d", ev.Current))
	}
	if ev.FailureCount > 0 {
		b.WriteString(" " + r.style.fail.Render(fmt.Sprintf("%d failed", ev.FailureCount)))
	}
	if ev.InstantRate > 0 {
		b.WriteString(r.style.dim.Render(fmt.Sprintf(" (%.0f rec/s)", ev.InstantRate)))
	}
	if ev.ETA > 0 {
		b.WriteString(r.style.dim.Render(" eta " + FormatETA(ev.ETA)))
	}
	if ev.Message != "" {
		b.WriteString(" " + ev.Message)
	}
	fmt.Fprintln(r.opts.Out, b.String())
}

// Summary renders the terminal result exactly once: counts, a bounded error
// list, and one suggestion per detected error class.
func (r *Reporter) Summary(res *types.MigrationResult) {
	if r.opts.Format == FormatJSON {
		line, err := json.Marshal(res)
		if err != nil {
			return
		}
		fmt.Fprintln(r.opts.Out, string(line))
		return
	}

	status := r.style.ok.Render("succeeded")
	switch {
	case res.Cancelled:
		status = r.style.fail.Render("cancelled")
	case !res.Success:
		status = r.style.fail.Render("completed with failures")
	}
	fmt.Fprintf(r.opts.Out, "%s in %s: %d succeeded, %d failed",
		status, formatElapsed(res.Duration), res.SuccessCount, res.FailureCount)
	if res.CreatedCount > 0 || res.UpdatedCount > 0 {
		fmt.Fprintf(r.opts.Out, " (%d created, %d updated)", res.CreatedCount, res.UpdatedCount)
	}
	fmt.Fprintln(r.opts.Out)

	if len(res.Errors) > 0 {
		max := r.opts.MaxErrorSamples
		shown := res.Errors
		if len(shown) > max {
			shown = shown[:max]
		}
		for _, re := range shown {
			loc := re.Entity
			if re.RowRef != "" {
				loc += "[" + re.RowRef + "]"
			}
			fmt.Fprintf(r.opts.Out, "  %s %s: %s\n", r.style.fail.Render("error"), loc, re.Error())
		}
		if omitted := len(res.Errors) - len(shown); omitted > 0 {
			fmt.Fprintln(r.opts.Out, r.style.dim.Render(fmt.Sprintf("  ... and %d more", omitted)))
		}
		for _, hint := range ClassifyErrors(res.Errors) {
			fmt.Fprintf(r.opts.Out, "  %s %s\n", r.style.dim.Render("hint:"), hint)
		}
	}
}

// formatElapsed renders H:MM:SS above an hour, M:SS below.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatETA is the elapsed format applied to a remaining-time estimate.
func FormatETA(d time.Duration) string {
	return formatElapsed(d)
}

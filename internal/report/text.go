package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Colors
var (
	colorPrimary   = lipgloss.Color("#7C3AED")
	colorSecondary = lipgloss.Color("#06B6D4")
	colorSuccess   = lipgloss.Color("#10B981")
	colorWarning   = lipgloss.Color("#F59E0B")
	colorError     = lipgloss.Color("#EF4444")
	colorText      = lipgloss.Color("#E5E7EB")
	colorMuted     = lipgloss.Color("#9CA3AF")
	colorBorder    = lipgloss.Color("#374151")
)

// styles are bound to the renderer of the destination writer, so colors
// are dropped when it is not a terminal.
type styles struct {
	header  lipgloss.Style
	section lipgloss.Style
	box     lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	good    lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
	cell    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header: r.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1),
		section: r.NewStyle().
			Foreground(colorSecondary).
			Bold(true).
			MarginTop(1),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1),
		label: r.NewStyle().Foreground(colorMuted).Width(20),
		value: r.NewStyle().Foreground(colorText).Bold(true),
		good:  r.NewStyle().Foreground(colorSuccess).Bold(true),
		warn:  r.NewStyle().Foreground(colorWarning).Bold(true),
		bad:   r.NewStyle().Foreground(colorError).Bold(true),
		muted: r.NewStyle().Foreground(colorMuted),
		cell:  r.NewStyle().Foreground(colorText).PaddingRight(2),
	}
}

// Text renders s as a human readable summary for w.
func Text(w io.Writer, s *Summary) string {
	st := newStyles(lipgloss.NewRenderer(w))

	var sections []string
	sections = append(sections, st.renderHeader(s))
	sections = append(sections, st.renderCapture(s))
	if len(s.Manifests) > 0 {
		sections = append(sections, st.renderManifests(s.Manifests))
	}
	if len(s.Streams) == 0 {
		sections = append(sections, st.muted.Render("no video streams found"))
	}
	for _, stream := range s.Streams {
		sections = append(sections, st.renderStream(stream))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (st styles) renderHeader(s *Summary) string {
	path := s.Trace.Path
	if path == "" {
		path = "-"
	}
	return st.header.Render(fmt.Sprintf("vtrace | %s | %.3fs | %d packets",
		path, s.Trace.Duration, s.Trace.Packets))
}

func (st styles) row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, st.label.Render(label), value)
}

func (st styles) renderCapture(s *Summary) string {
	c := s.Stats
	rows := []string{
		st.section.Render("Capture"),
		st.row("Frames", st.value.Render(fmt.Sprintf("%d (%d skipped, %d filtered)",
			s.Trace.Frames, s.Trace.Skipped, s.Trace.Filtered))),
		st.row("Packets", st.value.Render(fmt.Sprintf("%d accepted, %d duplicate, %d empty",
			c.Accepted, c.Duplicates, c.Empty))),
		st.row("Sessions", st.value.Render(fmt.Sprintf("%d (%d incomplete)", c.Sessions, c.Incomplete))),
		st.row("HTTP", st.value.Render(fmt.Sprintf("%d requests, %d responses", c.Requests, c.Responses))),
		st.row("Segments", st.value.Render(fmt.Sprintf("%d mapped, %d init, %d unmatched",
			c.Segments, c.InitSegments, c.Unmatched))),
	}
	if len(c.Stages) > 0 {
		var parts []string
		for _, name := range sortedKeys(c.Stages) {
			parts = append(parts, name+" "+seconds(c.Stages[name]))
		}
		rows = append(rows, st.row("Stages", st.muted.Render(strings.Join(parts, ", "))))
	}
	if s.Trace.Truncated {
		rows = append(rows, st.row("Warning", st.warn.Render("capture truncated")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (st styles) renderManifests(ms []ManifestSummary) string {
	rows := []string{st.section.Render("Manifests")}
	for _, m := range ms {
		line := fmt.Sprintf("%s  %s  %d tracks  %s", m.Video, m.Dialect, len(m.Tracks), m.URL)
		if m.SupersededBy != "" {
			rows = append(rows, st.muted.Render(line+"  (superseded)"))
			continue
		}
		rows = append(rows, st.cell.Render(line))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (st styles) renderStream(s StreamSummary) string {
	p := s.Playback
	stallStyle := st.good
	if p.Stats.StallCount > 0 {
		stallStyle = st.bad
	}

	var played, redundant, skipped int
	for _, ev := range s.Events {
		switch ev.Disposition {
		case DispositionPlayed:
			played++
		case DispositionRedundant:
			redundant++
		case DispositionSkipped:
			skipped++
		}
	}
	segments := fmt.Sprintf("%d played, %d redundant, %d skipped", played, redundant, skipped)
	if s.Expected > 0 {
		segments += fmt.Sprintf(" of %d", s.Expected)
	}

	rows := []string{
		st.section.Render(fmt.Sprintf("%s (%s)", s.Video, s.ContentType)),
		st.row("Segments", st.value.Render(segments)),
		st.row("Startup delay", st.value.Render(seconds(p.StartupDelay))),
		st.row("Playback", st.value.Render(fmt.Sprintf("%s to %s (%s played)",
			seconds(p.Start), seconds(p.End), seconds(p.PlayedSeconds)))),
		st.row("Stalls", stallStyle.Render(fmt.Sprintf("%d, %s (%.1f%%)",
			p.Stats.StallCount, seconds(p.Stats.StallSeconds), p.Stats.StallRatio*100))),
		st.row("Near stalls", st.value.Render(fmt.Sprint(p.Stats.NearStallCount))),
		st.row("Mean buffer", st.value.Render(seconds(p.Stats.MeanBufferSeconds))),
		st.row("Mean bitrate", st.value.Render(bitrate(p.Stats.MeanBitrate))),
		st.row("Quality switches", st.value.Render(fmt.Sprint(p.Stats.QualitySwitches))),
		st.row("Download p50/p95", st.value.Render(seconds(p.Stats.DownloadP50)+" / "+seconds(p.Stats.DownloadP95))),
		st.row("Throughput p50", st.value.Render(bitrate(p.Stats.ThroughputP50))),
	}
	if len(p.Stalls) > 0 {
		var lines []string
		for _, stall := range p.Stalls {
			line := fmt.Sprintf("segment %d  %s -> %s  %s", stall.Segment,
				seconds(stall.Start), seconds(stall.End), seconds(stall.Duration))
			if stall.AtTraceEnd {
				line += "  (trace end)"
			}
			lines = append(lines, line)
		}
		rows = append(rows, st.row("Stall log", st.cell.Render(strings.Join(lines, "\n"))))
	}
	return st.box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func seconds(v float64) string {
	return fmt.Sprintf("%.3fs", v)
}

func bitrate(bps float64) string {
	switch {
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbit/s", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.1f kbit/s", bps/1e3)
	default:
		return fmt.Sprintf("%.0f bit/s", bps)
	}
}

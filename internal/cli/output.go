package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"pipelines/internal/engine"
	"pipelines/internal/run"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	stateColors = map[string]lipgloss.Color{
		"succeeded": "#4CAF50",
		"failed":    "#FF6B6B",
		"cancelled": "#FFB347",
		"skipped":   "#888888",
		"ignored":   "#888888",
		"running":   "#5B8DEF",
	}
)

// Output formats command results.
type Output struct {
	jsonMode bool
	w        io.Writer // data
	errW     io.Writer // messages
}

// NewOutput creates an Output on stdout/stderr. In JSON mode data is printed
// as indented JSON instead of tables.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Writer returns the data writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Print prints a table, or jsonData in JSON mode.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table prints rows aligned with tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON prints v as indented JSON.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success prints a message to stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error prints an error message to stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

// Run prints a run: a summary box and its instance table, or JSON.
func (o *Output) Run(r *run.Run) {
	if o.jsonMode {
		o.JSON(r)
		return
	}

	lines := []string{
		headStyle.Render(r.Workflow) + "  " + r.Event.String(),
		"id     " + r.ID,
		"state  " + styleState(string(r.State)),
	}
	if r.Error != "" {
		lines = append(lines, "error  "+r.Error)
	}
	if r.StartedAt != nil && r.FinishedAt != nil {
		lines = append(lines, dimStyle.Render("took   "+r.FinishedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()))
	}
	fmt.Fprintln(o.w, boxStyle.Render(strings.Join(lines, "\n")))

	rows := make([][]string, 0, len(r.Instances))
	for _, in := range r.Instances {
		rows = append(rows, instanceRow(in))
	}
	o.Table([]string{"INSTANCE", "STATE", "EXIT", "DETAIL"}, rows)
}

func instanceRow(in *engine.InstanceResult) []string {
	exit := "-"
	if in.ExitCode != nil {
		exit = fmt.Sprintf("%d", *in.ExitCode)
	}
	detail := in.Reason
	if in.Error != "" {
		detail = in.Error
	}
	return []string{in.ID, string(in.State), exit, detail}
}

func styleState(state string) string {
	c, ok := stateColors[state]
	if !ok {
		return state
	}
	return lipgloss.NewStyle().Bold(true).Foreground(c).Render(state)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

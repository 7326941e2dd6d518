package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/litcurate/internal/aggregate"
	"github.com/ChuLiYu/litcurate/internal/collect"
	"github.com/ChuLiYu/litcurate/internal/config"
	"github.com/ChuLiYu/litcurate/internal/controller"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(16)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

// panel renders a titled box of label/value rows.
func panel(title string, rows [][2]string) string {
	lines := []string{titleStyle.Render(title)}
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r[0])+r[1])
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func count(n int, bad bool) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 && bad {
		return warnStyle.Render(s)
	}
	return s
}

func renderStats(w io.Writer, s taskqueue.Stats) {
	fmt.Fprintln(w, panel("Queue", [][2]string{
		{"total", fmt.Sprintf("%d", s.Total)},
		{"pending", fmt.Sprintf("%d", s.Pending)},
		{"in progress", fmt.Sprintf("%d", s.InProgress)},
		{"completed", okStyle.Render(fmt.Sprintf("%d", s.Completed))},
		{"failed", count(s.Failed, true)},
	}))
}

func renderCollectReport(w io.Writer, r collect.Report) {
	rows := make([][2]string, 0, len(r.Stages)+2)
	for _, st := range r.Stages {
		v := fmt.Sprintf("%d records, %d/%d chunks", st.Records, st.Succeeded, st.Chunks)
		if st.Failed > 0 {
			v += warnStyle.Render(fmt.Sprintf(", %d failed", st.Failed))
		}
		if st.Resumed {
			v += " (resumed)"
		}
		rows = append(rows, [2]string{st.Stage, v})
	}
	rows = append(rows,
		[2]string{"survivors", fmt.Sprintf("%d", r.Survivors)},
		[2]string{"enqueued", fmt.Sprintf("%d", r.Enqueued)},
	)
	fmt.Fprintln(w, panel("Collect", rows))
}

func renderFilterResults(w io.Writer, results []types.FilterStageResult, survivors int) {
	rows := make([][2]string, 0, len(results)+1)
	for _, r := range results {
		rows = append(rows, [2]string{r.Stage, fmt.Sprintf("kept %d, dropped %d", len(r.Kept), len(r.Dropped))})
	}
	rows = append(rows, [2]string{"survivors", fmt.Sprintf("%d", survivors)})
	fmt.Fprintln(w, panel("Filter", rows))
}

func renderRunReport(w io.Writer, r controller.RunReport) {
	var complete, failed, lost int
	for _, b := range r.Batches {
		if b.State == controller.StateBatchComplete {
			complete++
		} else {
			failed++
		}
		lost += b.WorkerLost
	}
	drained := okStyle.Render("yes")
	if !r.Drained {
		drained = warnStyle.Render("no")
	}
	fmt.Fprintln(w, panel("Run", [][2]string{
		{"sweeps", fmt.Sprintf("%d", r.Sweeps)},
		{"batches", fmt.Sprintf("%d complete, %s failed", complete, count(failed, true))},
		{"worker lost", count(lost, true)},
		{"drained", drained},
	}))
	renderStats(w, r.Stats)
}

func renderAggregate(w io.Writer, res aggregate.Result, exported string, report *aggregate.Report) {
	c := res.Counts
	fmt.Fprintln(w, panel("Results", [][2]string{
		{"attempted", fmt.Sprintf("%d", c.Attempted)},
		{"succeeded", okStyle.Render(fmt.Sprintf("%d", c.Succeeded))},
		{"failed", count(c.Failed, true)},
		{"unrecovered", count(c.Unrecovered, true)},
		{"sinks", fmt.Sprintf("%d (%d unreadable lines)", res.Sinks, res.Skipped)},
		{"transcripts", fmt.Sprintf("%d", res.Transcripts)},
		{"duckdb", exported},
	}))
	if report == nil {
		return
	}
	rows := [][2]string{
		{"kept", fmt.Sprintf("%d", len(report.Kept))},
		{"dropped", fmt.Sprintf("%d", len(report.Dropped))},
		{"precision", fmt.Sprintf("%.3f", report.Precision)},
	}
	fmt.Fprintln(w, panel("Annotation report", rows))
}

func renderStatus(w io.Writer, path string, cfg config.Config, s taskqueue.Stats, files runFiles) {
	ref := okStyle.Render(cfg.Filter.ReferenceTable)
	if !exists(cfg.Filter.ReferenceTable) {
		ref = warnStyle.Render(cfg.Filter.ReferenceTable + " (missing)")
	}
	metricsLine := "disabled"
	if cfg.Metrics.Enabled {
		metricsLine = fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)
	}
	left := panel("Configuration", [][2]string{
		{"config", path},
		{"period", cfg.Period()},
		{"run date", cfg.Run.RunDate},
		{"output", cfg.Run.OutputDir},
		{"reference", ref},
		{"agent", cfg.Agent.Addr},
		{"batch size", fmt.Sprintf("%d", cfg.Agent.ChunkSizeAgent)},
		{"metrics", metricsLine},
	})

	stageNames := make([]string, len(files.Stages))
	for i, p := range files.Stages {
		stageNames[i] = filepath.Base(p)
	}
	if len(stageNames) == 0 {
		stageNames = []string{"none"}
	}
	right := panel("Run files", [][2]string{
		{"stages", strings.Join(stageNames, "\n"+strings.Repeat(" ", 16))},
		{"sinks", fmt.Sprintf("%d", len(files.Sinks))},
		{"transcripts", fmt.Sprintf("%d", len(files.Transcripts))},
	})

	fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	renderStats(w, s)
}

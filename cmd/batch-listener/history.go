package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/batchlistener/internal/history"
	"github.com/mattjoyce/batchlistener/internal/storage"
)

// theme keeps all history styling in one place.
type theme struct {
	OK     lipgloss.Style
	Failed lipgloss.Style
	Header lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Border lipgloss.Style
}

func newTheme() theme {
	return theme{
		OK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")),
	}
}

type column struct {
	title string
	width int
}

var historyColumns = []column{
	{"STARTED", 19},
	{"SERIAL", 8},
	{"EVENT", 22},
	{"LEN", 7},
	{"EXIT", 5},
	{"TOOK", 9},
	{"REPLY", 5},
}

func runHistory(args []string) int {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (.yaml or .toml)")
	limit := fs.IntP("limit", "n", history.DefaultRecentLimit, "Number of events to show")
	jsonOut := fs.Bool("json", false, "Output records as JSON")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.History.Path == "" {
		fmt.Fprintln(os.Stderr, "History is disabled (history.path is empty)")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenExistingSQLite(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer db.Close()

	store := history.NewStore(db)
	recs, err := store.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history stats: %v\n", err)
		return 1
	}

	if *jsonOut {
		if recs == nil {
			recs = []history.Record{}
		}
		data, _ := json.MarshalIndent(recs, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	renderHistory(os.Stdout, newTheme(), recs, stats)
	return 0
}

func renderHistory(w io.Writer, th theme, recs []history.Record, stats history.Stats) {
	summary := fmt.Sprintf("%d events, %d failed", stats.Total, stats.Failures)
	if stats.Last != nil {
		summary += ", last " + stats.Last.Local().Format(time.DateTime)
	}
	fmt.Fprintln(w, th.Border.Render(th.Title.Render("batch-listener history")+"\n"+th.Dim.Render(summary)))

	if len(recs) == 0 {
		fmt.Fprintln(w, th.Dim.Render("no events recorded"))
		return
	}

	titles := make([]string, len(historyColumns))
	for i, c := range historyColumns {
		titles[i] = th.Header.Width(c.width).Render(c.title)
	}
	fmt.Fprintln(w, strings.Join(titles, " "))

	for _, r := range recs {
		style := th.OK
		if r.ExitCode != 0 || r.ActionError != "" {
			style = th.Failed
		}
		exit := strconv.Itoa(r.ExitCode)
		if r.ActionError != "" {
			exit = "err"
		}
		cells := []string{
			r.StartedAt.Local().Format(time.DateTime),
			r.Serial,
			r.EventName,
			strconv.Itoa(r.PayloadLen),
			exit,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			r.Reply,
		}
		for i, c := range historyColumns {
			text := truncate(cells[i], c.width)
			switch c.title {
			case "EXIT", "REPLY":
				cells[i] = style.Width(c.width).Render(text)
			default:
				cells[i] = lipgloss.NewStyle().Width(c.width).Render(text)
			}
		}
		fmt.Fprintln(w, strings.Join(cells, " "))
		if r.ActionError != "" {
			fmt.Fprintln(w, th.Dim.Render("  "+r.ActionError))
		}
	}
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}

// Command pgsentryctl is the termbox-go terminal status monitor (C11): it
// polls the status HTTP API's /cluster endpoint and renders a member table
// with leader/sync markers, grounded on the teacher's termbox-go dependency
// (server/server.go's tlog/termlength fields implying a terminal dashboard).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"time"

	termbox "github.com/nsf/termbox-go"
)

type member struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	State        string `json:"state"`
	SyncState    string `json:"sync_state"`
	XLogLocation uint64 `json:"xlog_location"`
	Timeline     uint32 `json:"timeline"`
}

type leader struct {
	Name string `json:"name"`
}

type snapshot struct {
	Leader  *leader  `json:"Leader"`
	Members []member `json:"Members"`
	Sync    struct {
		StandbyNames []string `json:"sync_standby"`
	} `json:"Sync"`
}

func main() {
	apiURL := flag.String("url", "http://127.0.0.1:8008", "pgsentry status API base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	if err := termbox.Init(); err != nil {
		fmt.Println("pgsentryctl: could not start terminal:", err)
		return
	}
	defer termbox.Close()

	events := make(chan termbox.Event, 4)
	go func() {
		for {
			events <- termbox.PollEvent()
		}
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	render(*apiURL)
	for {
		select {
		case ev := <-events:
			if ev.Type == termbox.EventKey {
				if ev.Key == termbox.KeyEsc || ev.Key == termbox.KeyCtrlC || ev.Ch == 'q' {
					return
				}
				if ev.Ch == 'r' {
					render(*apiURL)
				}
			}
		case <-ticker.C:
			render(*apiURL)
		}
	}
}

func fetchSnapshot(apiURL string) (*snapshot, error) {
	client := http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(apiURL + "/cluster")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var s snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func render(apiURL string) {
	termbox.Clear(termbox.ColorDefault, termbox.ColorDefault)

	s, err := fetchSnapshot(apiURL)
	if err != nil {
		printLine(0, 0, fmt.Sprintf("pgsentryctl: could not reach %s: %v", apiURL, err), termbox.ColorRed)
		termbox.Flush()
		return
	}

	leaderName := ""
	if s.Leader != nil {
		leaderName = s.Leader.Name
	}

	printLine(0, 0, fmt.Sprintf("pgsentry cluster — leader: %s", orNone(leaderName)), termbox.ColorCyan)
	printLine(0, 1, "name            role       state      sync       lag(lsn)   timeline", termbox.ColorWhite)

	sorted := append([]member(nil), s.Members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	best := uint64(0)
	for _, m := range sorted {
		if m.XLogLocation > best {
			best = m.XLogLocation
		}
	}

	row := 2
	for _, m := range sorted {
		lag := best - m.XLogLocation
		color := termbox.ColorWhite
		if m.Name == leaderName {
			color = termbox.ColorGreen
		}
		line := fmt.Sprintf("%-15s %-10s %-10s %-10s %-10d %-8d", m.Name, m.Role, m.State, m.SyncState, lag, m.Timeline)
		printLine(0, row, line, color)
		row++
	}

	printLine(0, row+1, "press 'r' to refresh, 'q' to quit", termbox.ColorYellow)
	termbox.Flush()
}

func printLine(x, y int, s string, fg termbox.Attribute) {
	for i, r := range s {
		termbox.SetCell(x+i, y, r, fg, termbox.ColorDefault)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

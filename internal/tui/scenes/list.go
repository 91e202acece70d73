package scenes

import (
	"fmt"
	"strings"
	"time"

	"secmon/internal/schema"
	"secmon/internal/tui/styles"
)

// TickMsg asks the named scene to refresh.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// pager keeps a cursor inside a scrolling window of rows.
type pager struct {
	cursor int
	offset int
	rows   int // visible rows
}

func (p *pager) up() {
	if p.cursor == 0 {
		return
	}
	p.cursor--
	p.offset = min(p.offset, p.cursor)
}

func (p *pager) down(n int) {
	if p.cursor >= n-1 {
		return
	}
	p.cursor++
	if p.cursor >= p.offset+p.rows {
		p.offset = p.cursor - p.rows + 1
	}
}

// clamp pulls the cursor back inside a list that shrank to n rows.
func (p *pager) clamp(n int) {
	p.cursor = max(0, min(p.cursor, n-1))
	p.offset = min(p.offset, p.cursor)
}

// window returns the visible slice bounds for n rows.
func (p *pager) window(n int) (lo, hi int) {
	return p.offset, min(p.offset+p.rows, n)
}

func formatNumber(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprint(n)
}

func formatSeverity(sev schema.Severity) string {
	return styles.Severity(sev).Render(fmt.Sprintf("%-10s", strings.ToUpper(string(sev))))
}

// truncate shortens s to n bytes, ending in "..." when cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Package monitor prints a running account of every room's rounds to a
// terminal.
package monitor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/round"
	"github.com/lox/pitboss/internal/scheduler"
)

var faceColors = map[game.Color]lipgloss.Color{
	game.Red:    "#FF6B6B",
	game.Green:  "#96CEB4",
	game.Blue:   "#4A90E2",
	game.Yellow: "#FFEAA7",
	game.White:  "#FAFAFA",
	game.Pink:   "#F78FB3",
}

type styles struct {
	key     lipgloss.Style
	info    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	faces   map[game.Color]lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	s := styles{
		key:     r.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true),
		info:    r.NewStyle().Foreground(lipgloss.Color("#626262")),
		success: r.NewStyle().Foreground(lipgloss.Color("#96CEB4")).Bold(true),
		warning: r.NewStyle().Foreground(lipgloss.Color("#FFEAA7")).Bold(true),
		err:     r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		faces:   make(map[game.Color]lipgloss.Style, len(faceColors)),
	}
	for face, color := range faceColors {
		s.faces[face] = r.NewStyle().Foreground(color).Bold(true)
	}
	return s
}

// Console is a Broadcaster that forwards every event to another Broadcaster
// and prints draws, settlements and halts as they go past.
type Console struct {
	next   scheduler.Broadcaster
	styles styles

	mu     sync.Mutex
	writer io.Writer
}

var _ scheduler.Broadcaster = (*Console)(nil)

// NewConsole wraps next. A nil writer prints to stdout.
func NewConsole(next scheduler.Broadcaster, writer io.Writer) *Console {
	if writer == nil {
		writer = os.Stdout
	}
	return &Console{
		next:   next,
		writer: writer,
		styles: newStyles(lipgloss.NewRenderer(writer)),
	}
}

// Publish prints the event if it is worth a line, then forwards it.
func (c *Console) Publish(room string, ev round.Event) {
	if line := c.format(ev); line != "" {
		c.mu.Lock()
		fmt.Fprintln(c.writer, line)
		c.mu.Unlock()
	}
	c.next.Publish(room, ev)
}

// Send forwards a connection event unprinted.
func (c *Console) Send(connectionID string, ev round.Event) {
	c.next.Send(connectionID, ev)
}

func (c *Console) format(ev round.Event) string {
	prefix := c.styles.key.Render(fmt.Sprintf("[%s/%s]", ev.Room, ev.Variant))

	switch p := ev.Payload.(type) {
	case round.DrawResult:
		return fmt.Sprintf("%s round %d drew %s", prefix, p.RoundID, c.outcome(p.Value))

	case round.SettlementReport:
		pending := 0
		for _, payout := range p.Payouts {
			if payout.Pending {
				pending++
			}
		}
		line := fmt.Sprintf("%s round %d settled: %d winner(s), %s paid",
			prefix, p.RoundID, len(p.Payouts), c.styles.success.Render(fmt.Sprintf("%d", p.Total())))
		if pending > 0 {
			line += " " + c.styles.warning.Render(fmt.Sprintf("(%d pending)", pending))
		}
		return line

	case round.RoundHalted:
		return fmt.Sprintf("%s round %d %s %s",
			prefix, p.RoundID, c.styles.err.Render("HALTED"), c.styles.info.Render(p.Reason))
	}
	return ""
}

func (c *Console) outcome(o game.Outcome) string {
	if len(o.Dice) == 0 {
		return c.styles.success.Render(o.String())
	}
	faces := make([]string, len(o.Dice))
	for i, face := range o.Dice {
		style, ok := c.styles.faces[face]
		if !ok {
			style = c.styles.info
		}
		faces[i] = style.Render(string(face))
	}
	return strings.Join(faces, " ")
}

// Package progress renders a single-line terminal meter
// for long event-draining loops: a bar, the completed
// fraction, and an EMA-smoothed events/second rate.
// Writes go nowhere when stdout is not a terminal, so
// pipelines and logs stay clean.
package progress

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// EventMeter tracks completion of a known number of
// events and smooths the observed rate with an EMA so
// the display does not flicker between passes.
type EventMeter struct {
	isTerm     bool
	label      string
	total      int64
	lastUpdate time.Time
	lastCount  int64
	emaRate    float64 // events per second
	alpha      float64 // EMA smoothing factor (between 0 and 1)
}

func NewEventMeter(total int64, label string) *EventMeter {
	return &EventMeter{
		isTerm:     isTerminal(),
		total:      total,
		label:      label,
		lastUpdate: time.Now(),
		alpha:      0.1, // higher = more reactive
	}
}

func (m *EventMeter) updateRate(count int64) (change int64) {
	now := time.Now()
	duration := now.Sub(m.lastUpdate).Seconds()
	change = count - m.lastCount
	if duration > 0 {
		currentRate := float64(change) / duration
		if m.emaRate == 0 {
			m.emaRate = currentRate
		} else {
			m.emaRate = m.alpha*currentRate + (1-m.alpha)*m.emaRate
		}
	}
	m.lastUpdate = now
	m.lastCount = count
	return
}

// Update redraws the meter for count completed events.
// Silent if stdout is not a terminal.
func (m *EventMeter) Update(count int64) {
	width := 40
	fraction := float64(count) / float64(m.total)
	completed := int(fraction * float64(width))

	changed := m.updateRate(count)

	if !m.isTerm {
		return
	}

	rate := formatRate(m.emaRate)
	if changed == 0 {
		rate = "-stalled-"
	}

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < width; i++ {
		if i < completed {
			bar.WriteRune('=')
		} else if i == completed {
			bar.WriteRune('>')
		} else {
			bar.WriteRune(' ')
		}
	}
	bar.WriteString("]")

	status := fmt.Sprintf("\r%-20s %s %6.2f%% %12s of %v",
		truncateString(m.label, 20),
		bar.String(),
		fraction*100,
		rate,
		formatCount(m.total),
	)
	fmt.Print(status)
}

// Done finishes the line so following output starts clean.
func (m *EventMeter) Done() {
	if m.isTerm {
		fmt.Println()
	}
}

// Helper function to truncate or pad a string to exact width
func truncateString(s string, width int) string {
	if len(s) > width {
		return s[:width]
	}
	return fmt.Sprintf("%-*s", width, s)
}

func formatRate(perSec float64) string {
	units := []string{"ev/s ", "kev/s", "Mev/s"}
	unitIndex := 0
	value := perSec
	for value >= 1000 && unitIndex < len(units)-1 {
		value /= 1000
		unitIndex++
	}
	return fmt.Sprintf("%7.2f %s", value, units[unitIndex])
}

func formatCount(n int64) string {
	units := []string{"", "k", "M", "G"}
	unitIndex := 0
	value := float64(n)
	for value >= 1000 && unitIndex < len(units)-1 {
		value /= 1000
		unitIndex++
	}
	if unitIndex == 0 {
		return fmt.Sprintf("%v", n)
	}
	return fmt.Sprintf("%0.1f%s", value, units[unitIndex])
}

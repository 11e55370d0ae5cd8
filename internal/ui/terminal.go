// Package ui renders the conversation on a terminal: a live status line
// with level bars when the output is a TTY, or plain log-style lines
// otherwise.
package ui

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/MrWong99/voxloop/internal/capture"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/conversation"
)

// Compile-time interface assertions.
var (
	_ conversation.Display = (*Terminal)(nil)
	_ capture.Visualizer   = (*Terminal)(nil)
)

const clearLine = "\r\033[K"

var barGlyphs = []rune(" ▁▂▃▄▅▆▇█")

// Terminal implements [conversation.Display] and [capture.Visualizer].
// All methods are safe for concurrent use.
type Terminal struct {
	w    io.Writer
	ansi bool

	mu      sync.Mutex
	state   conversation.State
	status  string
	retry   bool
	partial string
	bars    string
}

// New returns a terminal writing to w. In [config.UIAuto] mode ANSI output
// is used only when w is a terminal.
func New(w io.Writer, mode config.UIMode) *Terminal {
	return &Terminal{w: w, ansi: useANSI(w, mode)}
}

func useANSI(w io.Writer, mode config.UIMode) bool {
	switch mode {
	case config.UIANSI:
		return true
	case config.UIPlain:
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ANSI reports whether the live status line is in use.
func (t *Terminal) ANSI() bool { return t.ansi }

// SetState implements [conversation.Display].
func (t *Terminal) SetState(s conversation.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	if s != conversation.Listening {
		t.partial = ""
		t.bars = ""
	}
	if !t.ansi {
		fmt.Fprintf(t.w, "state: %s\n", s)
		return
	}
	t.redraw()
}

// SetStatus implements [conversation.Display].
func (t *Terminal) SetStatus(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg == t.status {
		return
	}
	t.status = msg
	if !t.ansi {
		fmt.Fprintf(t.w, "status: %s\n", msg)
		return
	}
	t.redraw()
}

// SetRetry implements [conversation.Display].
func (t *Terminal) SetRetry(available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retry = available
	if !t.ansi {
		if available {
			fmt.Fprintln(t.w, "type 'retry' to try again")
		}
		return
	}
	t.redraw()
}

// ShowPartial implements [conversation.Display].
func (t *Terminal) ShowPartial(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = text
	if t.ansi {
		t.redraw()
	}
}

// ShowTranscript implements [conversation.Display].
func (t *Terminal) ShowTranscript(who conversation.Speaker, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = ""
	if !t.ansi {
		fmt.Fprintf(t.w, "%s: %s\n", who, text)
		return
	}
	fmt.Fprintf(t.w, "%s%s: %s\n", clearLine, who, text)
	t.redraw()
}

// RenderBars implements [capture.Visualizer]. Plain output ignores bars.
func (t *Terminal) RenderBars(bars []float64) {
	if !t.ansi {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bars = Bars(bars)
	t.redraw()
}

// Clear implements [capture.Visualizer].
func (t *Terminal) Clear() {
	if !t.ansi {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bars = ""
	t.redraw()
}

// redraw rewrites the status line. Callers hold mu.
func (t *Terminal) redraw() {
	var b strings.Builder
	b.WriteString(clearLine)
	fmt.Fprintf(&b, "[%s] %s", t.state, t.status)
	if t.retry {
		b.WriteString(" (retry)")
	}
	if t.bars != "" {
		b.WriteString("  ")
		b.WriteString(t.bars)
	}
	if t.partial != "" {
		fmt.Fprintf(&b, "  \"%s\"", t.partial)
	}
	_, _ = io.WriteString(t.w, b.String())
}

// Bars renders levels in [0, 1] as block glyphs. Out-of-range values are
// clamped.
func Bars(levels []float64) string {
	out := make([]rune, len(levels))
	top := len(barGlyphs) - 1
	for i, v := range levels {
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(0, math.Min(1, v))
		out[i] = barGlyphs[int(math.Round(v*float64(top)))]
	}
	return string(out)
}

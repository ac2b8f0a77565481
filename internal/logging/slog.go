// Package logging provides the structured logger used across the
// peer-swarm coordination core. The subsystem constructors
// (coordinator.New, storage.NewDisk, swarmpeer.Dial) take a *slog.Logger
// parameter and tag it with a "component" attribute.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options configures PrettyHandler output.
type Options struct {
	Level      slog.Level
	UseColor   bool
	TimeFormat string
	LevelWidth int
}

// DefaultOptions returns sensible defaults for an interactive terminal.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
		LevelWidth: 7,
	}
}

// PrettyHandler is a slog.Handler that renders single-line, colorized log
// records to an io.Writer, suited to an interactive console session.
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorFields  func(...any) string
}

// NewPrettyHandler constructs a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts Options) *PrettyHandler {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}

	h := &PrettyHandler{opts: opts, writer: w, mu: &sync.Mutex{}}
	h.initColorFuncs()
	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = noColor
		h.colorMessage = noColor
		h.colorFields = noColor
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: noColor,
			slog.LevelInfo:  noColor,
			slog.LevelWarn:  noColor,
			slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(" | ")

	levelStr := strings.ToUpper(r.Level.String())
	levelStr = fmt.Sprintf("%-*s", h.opts.LevelWidth, levelStr)
	if colorFunc, ok := h.colorLevel[r.Level]; ok {
		buf.WriteString(colorFunc(levelStr))
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" | ")

	buf.WriteString(h.colorMessage(r.Message))

	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	for _, a := range attrs {
		buf.WriteString(" ")
		buf.WriteString(h.colorFields(a.Key + "=" + a.Value.String()))
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	nh := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	nh.initColorFuncs()
	return nh
}

func (h *PrettyHandler) WithGroup(_ string) slog.Handler { return h }

// New builds the default logger for the coordination core: a pretty
// console handler at Info level. Callers that want JSON output (e.g. when
// running headless under a process supervisor) should construct their own
// slog.NewJSONHandler instead — the coordinator only depends on the
// *slog.Logger interface, never on this concrete handler.
func New(w io.Writer) *slog.Logger {
	return slog.New(NewPrettyHandler(w, DefaultOptions()))
}

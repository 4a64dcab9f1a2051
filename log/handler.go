package log

import (
	"context"
	"io"
	"log/slog"

	"github.com/fatih/color"
)

var levelColors = map[slog.Level]*color.Color{
	LevelTrace:      color.New(color.FgHiBlack),
	slog.LevelDebug: color.New(color.FgCyan),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed),
	LevelCrit:       color.New(color.FgHiRed, color.Bold),
}

// NewTerminalHandlerWithLevel returns a text handler writing to wr that drops
// records below lvl. Level names are rendered aligned, optionally coloured.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, useColor bool) slog.Handler {
	return slog.NewTextHandler(wr, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey || len(groups) != 0 {
				return a
			}
			level, ok := a.Value.Any().(slog.Level)
			if !ok {
				return a
			}
			name := LevelAlignedString(level)
			if c, found := levelColors[level]; found && useColor {
				name = c.Sprint(name)
			}
			return slog.String(slog.LevelKey, name)
		},
	})
}

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

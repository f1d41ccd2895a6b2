package murmur

import (
	"io"
	"log/slog"
	"path/filepath"
)

// NewLogger returns a text logger at debug level in dev mode and a JSON
// logger at info level in prod mode. A non-empty level overrides the mode's level.
func NewLogger(w io.Writer, mode Mode, level string) *slog.Logger {
	lvl := slog.LevelDebug
	if mode == ProdMode {
		lvl = slog.LevelInfo
	}
	if level != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(level)); err == nil {
			lvl = l
		}
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}

	if mode == ProdMode {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ComponentKey is the attribute that names the subsystem a logger belongs to.
const ComponentKey = "component"

// Levels is a default level plus per-component overrides.
type Levels struct {
	Default    slog.Level
	Components map[string]slog.Level
}

// ParseLevels parses a spec like "info,dpif=debug,p4rt=warn". A bare level
// sets the default.
func ParseLevels(spec string) (Levels, error) {
	lv := Levels{Default: slog.LevelInfo, Components: make(map[string]slog.Level)}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		comp, name, ok := strings.Cut(part, "=")
		if !ok {
			name = comp
		}
		var l slog.Level
		if err := l.UnmarshalText([]byte(name)); err != nil {
			return Levels{}, fmt.Errorf("log level %q: %w", part, err)
		}
		if ok {
			lv.Components[strings.TrimSpace(comp)] = l
		} else {
			lv.Default = l
		}
	}
	return lv, nil
}

func (lv Levels) level(component string) slog.Level {
	if l, ok := lv.Components[component]; ok {
		return l
	}
	return lv.Default
}

// Minimum returns the lowest level any component logs at.
func (lv Levels) Minimum() slog.Level {
	m := lv.Default
	for _, l := range lv.Components {
		if l < m {
			m = l
		}
	}
	return m
}

// LevelHandler filters records by the level of the component named in the
// logger's attributes.
type LevelHandler struct {
	base      slog.Handler
	levels    Levels
	component string
}

// NewLevelHandler wraps base. base should accept levels.Minimum().
func NewLevelHandler(base slog.Handler, levels Levels) *LevelHandler {
	return &LevelHandler{base: base, levels: levels}
}

// Enabled implements slog.Handler.
func (h *LevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.levels.level(h.component) && h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LevelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.base.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *LevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	comp := h.component
	for _, a := range attrs {
		if a.Key == ComponentKey {
			comp = a.Value.String()
		}
	}
	return &LevelHandler{base: h.base.WithAttrs(attrs), levels: h.levels, component: comp}
}

// WithGroup implements slog.Handler.
func (h *LevelHandler) WithGroup(name string) slog.Handler {
	return &LevelHandler{base: h.base.WithGroup(name), levels: h.levels, component: h.component}
}

// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package logging builds the slog loggers shared by every component. One
// factory owns the output format and levels; components get a child logger
// tagged with their name, optionally at an overridden level.
package logging

import (
	"fmt"
	"io"
	"log/slog"
)

// Options configures a Factory.
type Options struct {
	// Level is the default level: debug, info, warn or error.
	Level string
	// Format is "pretty" for text output or "json".
	Format string
	// ComponentLevels overrides Level for individual components.
	ComponentLevels map[string]string
}

// Factory hands out component loggers with a shared writer and format.
type Factory struct {
	writer    io.Writer
	json      bool
	level     slog.Level
	overrides map[string]slog.Level
	root      *slog.Logger
}

// NewFactory parses opts and builds the root logger writing to w.
func NewFactory(w io.Writer, opts Options) (*Factory, error) {
	f := &Factory{writer: w}
	switch opts.Format {
	case "", "pretty":
	case "json":
		f.json = true
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	if opts.Level != "" {
		if err := f.level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("cannot parse log level %q: %w", opts.Level, err)
		}
	}
	f.overrides = make(map[string]slog.Level, len(opts.ComponentLevels))
	for component, level := range opts.ComponentLevels {
		var l slog.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("component %q: cannot parse log level %q: %w", component, level, err)
		}
		f.overrides[component] = l
	}
	f.root = slog.New(f.handler(f.level))
	return f, nil
}

// Root returns the unscoped logger.
func (f *Factory) Root() *slog.Logger { return f.root }

// Component returns a logger tagged with the component name. A configured
// per-component level wins over the factory default.
func (f *Factory) Component(name string) *slog.Logger {
	level, ok := f.overrides[name]
	if !ok {
		return f.root.With("component", name)
	}
	return slog.New(f.handler(level)).With("component", name)
}

func (f *Factory) handler(level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if f.json {
		return slog.NewJSONHandler(f.writer, opts)
	}
	return slog.NewTextHandler(f.writer, opts)
}

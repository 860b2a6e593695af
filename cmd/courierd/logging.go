package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func newLogger(cfg config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout

	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "courierd").
		Logger()
}

package store

import (
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "store")

// SetLogger allows setting a custom logger
func SetLogger(l *slog.Logger) {
	logger = l
}

package qflash

import (
	"log/slog"
	"os"
	"sync"
)

// Component identifies a part of the driver in log records.
type Component string

const (
	ComponentProtocol Component = "qspi"
	ComponentProgram  Component = "program"
	ComponentErase    Component = "erase"
	ComponentRead     Component = "read"
	ComponentBdev     Component = "bdev"
)

var (
	logMu         sync.RWMutex
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

// SetLogger replaces the logger used by devices configured without one.
func SetLogger(l *slog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	defaultLogger = l
}

func packageLogger() *slog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return defaultLogger
}

func (d *Device) logger(c Component) *slog.Logger {
	return d.log.With("component", string(c), "device", d.cfg.Name)
}

// Package render declares the drawing surface contract the host
// schedules against. Real surfaces live in the embedding application;
// the bridge only needs something to hand frames to on the Render
// context.
package render

import (
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"go.uber.org/zap"
)

// Surface receives composited frames from the embedded web content.
// Present is only ever invoked from the Render context.
type Surface interface {
	Present(frame []byte) error
	TranslatePoint(x, y int) (int, int)
}

// LogSurface is a stand-in surface for headless hosts and tests. It
// counts frames and translates points one to one.
type LogSurface struct {
	log    *logging.Logger
	frames int
}

// NewLogSurface creates the stand-in surface.
func NewLogSurface(log *logging.Logger) *LogSurface {
	return &LogSurface{log: log.Named("render")}
}

func (s *LogSurface) Present(frame []byte) error {
	s.frames++
	s.log.Debug("frame presented",
		zap.Int("frame", s.frames),
		zap.Int("bytes", len(frame)))
	return nil
}

func (s *LogSurface) TranslatePoint(x, y int) (int, int) {
	return x, y
}

// Frames reports how many frames have been presented.
func (s *LogSurface) Frames() int {
	return s.frames
}

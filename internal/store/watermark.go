package store

import (
	"context"
	"fmt"
	"time"
)

// Direction distinguishes the push and pull watermarks.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

func watermarkKey(dir Direction) string {
	return "watermark." + string(dir)
}

// Watermark returns the last successful sync timestamp for the direction,
// or the zero time when the node has never synced.
func (s *Store) Watermark(ctx context.Context, dir Direction) (time.Time, error) {
	raw, ok, err := s.Get(ctx, watermarkKey(dir))
	if err != nil || !ok {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt %s watermark %q: %w", dir, raw, err)
	}
	return ts, nil
}

// SetWatermark advances the watermark for the direction. Callers only do
// this after a fully successful batch; partial failure must leave the old
// value in place.
func (s *Store) SetWatermark(ctx context.Context, dir Direction, ts time.Time) error {
	return s.Set(ctx, watermarkKey(dir), ts.UTC().Format(time.RFC3339Nano))
}

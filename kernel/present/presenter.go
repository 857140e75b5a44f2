// Package present puts consumed frames somewhere visible: an in-memory
// compositor, the Linux framebuffer console or remote WebSocket viewers.
package present

import (
	"context"
	"errors"
	"image"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
)

// Presenter blits the regions of a consumed frame to its target. The frame's
// pixels are only valid for the duration of Present. Shutdown is delivered
// once, before the shared memory behind the frames is released.
type Presenter interface {
	Present(ctx context.Context, f *framebuffer.Frame) error
	Shutdown(ctx context.Context) error
}

// ErrShutdown is returned by Present after Shutdown.
var ErrShutdown = errors.New("presenter shut down")

type multi []Presenter

// Multi fans every frame out to each presenter in order. A failing presenter
// does not stop the others; the errors are joined.
func Multi(presenters ...Presenter) Presenter {
	flat := make(multi, 0, len(presenters))
	for _, p := range presenters {
		if m, ok := p.(multi); ok {
			flat = append(flat, m...)
		} else if p != nil {
			flat = append(flat, p)
		}
	}
	return flat
}

func (m multi) Present(ctx context.Context, f *framebuffer.Frame) error {
	var errs []error
	for _, p := range m {
		if err := p.Present(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toImageRect(r dirty.Rect) image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

//go:build !linux

package present

import (
	"errors"
	"runtime"
)

// NewFramebufferPresenter is only available on Linux.
func NewFramebufferPresenter(opts FramebufferOptions) (*FramebufferPresenter, error) {
	return nil, errors.New("framebuffer device not supported on " + runtime.GOOS)
}

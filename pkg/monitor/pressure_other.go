//go:build !linux

package monitor

import (
	"context"
	"errors"
)

// SubscribePressure has no pressure primitive to hook into outside Linux.
func (p *systemPlatform) SubscribePressure(context.Context, func(Signal)) error {
	return errors.ErrUnsupported
}

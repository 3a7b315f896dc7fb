//go:build !unix

package monitor

import (
	"context"
	"errors"
)

func (p *systemPlatform) SubscribeLifecycle(context.Context, func(Signal)) error {
	return errors.ErrUnsupported
}

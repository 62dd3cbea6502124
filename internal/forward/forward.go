// Package forward surfaces approval requests and outcomes on
// channels outside the primary RPC transport. Every forwarder is
// best-effort: the engine logs failures and moves on.
package forward

import (
	"context"

	"github.com/execgate/execgate/internal/approval"
	"github.com/rs/zerolog/log"
)

// Multi fans events out to several forwarders, collecting nothing:
// one channel failing must not starve the others.
type Multi []approval.Forwarder

func (m Multi) HandleRequested(ctx context.Context, ev approval.RequestedEvent) error {
	for _, f := range m {
		if err := f.HandleRequested(ctx, ev); err != nil {
			log.Warn().Err(err).Str("id", ev.ID).Msg("forwarder failed on requested")
		}
	}
	return nil
}

func (m Multi) HandleResolved(ctx context.Context, ev approval.ResolvedEvent) error {
	for _, f := range m {
		if err := f.HandleResolved(ctx, ev); err != nil {
			log.Warn().Err(err).Str("id", ev.ID).Msg("forwarder failed on resolved")
		}
	}
	return nil
}

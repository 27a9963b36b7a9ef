package notification

import (
	"context"

	"github.com/smallbiznis/servana/internal/hostedsession/domain"
)

// Gateway dispatches recovery notices for stalled hosted checkout sessions.
// Implementations report whether a notice was actually delivered; errors
// bubble to the recovery sweep and are recorded on the run row.
type Gateway interface {
	DispatchRecoveryNotice(ctx context.Context, session *domain.HostedCheckoutSession, attempt int) (bool, error)
}

type NoOpGateway struct{}

func (g *NoOpGateway) DispatchRecoveryNotice(ctx context.Context, session *domain.HostedCheckoutSession, attempt int) (bool, error) {
	return false, nil
}

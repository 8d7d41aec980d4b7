package telephony

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// Initiator abstracts the telephony integration. Start begins an attempt and
// returns its id; the result arrives later as an outcome event, never on
// this call path.
type Initiator interface {
	Start(ctx context.Context, target domain.Target, resource domain.Resource) (uuid.UUID, error)
}

package outbound

import (
	"context"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
)

// AuditArchive stores the final record of a terminal order together with its
// status history.
type AuditArchive interface {
	Archive(ctx context.Context, order *entity.Order, history []StatusTransition) error
}

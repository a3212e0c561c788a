package session

import (
	"context"

	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

// Upstream is the subset of *upstream.Client the state machine calls,
// narrowed to an interface so tests can fake it without an HTTP server.
type Upstream interface {
	GetCredentials(ctx context.Context, npub, serviceID string) (*upstream.SealedCredentials, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	CreateInvoice(ctx context.Context, jobID string, amountSats int64) (*upstream.InvoiceResponse, error)
	PostActionLog(ctx context.Context, jobID string, entry upstream.ActionLogRequest) error
	GetUser(ctx context.Context, npub string) (*upstream.UserInfo, error)
}

// DMSender is the subset of *messaging.Transport the state machine calls.
type DMSender interface {
	SendDM(ctx context.Context, userNpub, body string) error
	SendDMBubbles(ctx context.Context, userNpub string, bodies ...string) error
}

package services

import (
	"errors"
	"fmt"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
)

var (
	// 端点错误的种类，用 errors.Is 匹配 *EndpointError
	ErrEndpointCreate   = errors.New("endpoint create failed")
	ErrEndpointDelivery = errors.New("endpoint delivery failed")
	ErrEndpointDelete   = errors.New("endpoint delete failed")

	// ErrEndpointGone is reported by a platform when the endpoint no longer exists
	// or its token was revoked. Deliveries to it are not retried.
	ErrEndpointGone = errors.New("endpoint gone")

	ErrEmptyMessage    = errors.New("message has no text and no attachments")
	ErrEmptyUserName   = errors.New("user name is required")
	ErrChannelMismatch = errors.New("release must be sent from the user's Times channel in the origin community")
	ErrQueueDisabled   = errors.New("release queue is not configured")
	ErrChannelInUse    = errors.New("channel is already the user's Times in another community")
)

// EndpointError is a failure talking to the endpoint platform. The endpoint URL
// carries a secret token and is deliberately not part of the message.
type EndpointError struct {
	Kind      error
	ChannelID models.ID
	Err       error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("%v (channel %s): %v", e.Kind, e.ChannelID, e.Err)
}

func (e *EndpointError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

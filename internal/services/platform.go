package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
)

// Endpoint 频道内的一个出站 webhook
type Endpoint struct {
	Name string
	URL  string
}

// EndpointHandle is what a platform resolves an endpoint URL to.
type EndpointHandle struct {
	ID    string
	Token string
	URL   string
}

type DeliveryPayload struct {
	DisplayName string
	AvatarURL   string
	Text        string
}

// EndpointPlatform is the outgoing-webhook capability of the chat platform.
// Implementations report a missing or revoked endpoint as ErrEndpointGone.
type EndpointPlatform interface {
	ListEndpoints(ctx context.Context, channelID models.ID) ([]Endpoint, error)
	CreateEndpoint(ctx context.Context, channelID models.ID, name string) (Endpoint, error)
	ResolveEndpoint(ctx context.Context, url string) (EndpointHandle, error)
	DeleteEndpoint(ctx context.Context, handle EndpointHandle) error
	Deliver(ctx context.Context, handle EndpointHandle, payload DeliveryPayload) error
}

// Locker 分布式互斥锁；unlock 可重复调用
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func timesLockKey(userID, communityID models.ID) string {
	return fmt.Sprintf("times:%s:%s", userID, communityID)
}

// endpointLockKey guards one user's endpoint inside one channel against the sweeper.
func endpointLockKey(userID, channelID models.ID) string {
	return fmt.Sprintf("endpoint:%s:%s", userID, channelID)
}

// SweepLedger records channels that may hold stale endpoints.
type SweepLedger interface {
	MarkChannel(ctx context.Context, channelID models.ID) error
	Channels(ctx context.Context) ([]models.ID, error)
	ClearChannel(ctx context.Context, channelID models.ID) error
}

type EventType string

const (
	EventTimesSet      EventType = "times.set"
	EventTimesDeleted  EventType = "times.deleted"
	EventTimesReleased EventType = "times.released"
)

// TimesEvent 对外发布的领域事件
type TimesEvent struct {
	Type        EventType       `json:"type"`
	UserID      models.ID       `json:"user_id"`
	CommunityID models.ID       `json:"community_id"`
	ChannelID   models.ID       `json:"channel_id,omitempty"`
	ReleaseID   models.ID       `json:"release_id,omitempty"`
	Status      BroadcastStatus `json:"status,omitempty"`
	Delivered   int             `json:"delivered,omitempty"`
	Failed      int             `json:"failed,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event TimesEvent) error
}

// NopPublisher drops every event; used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TimesEvent) error { return nil }

// ReleaseQueue hands a release to an asynchronous worker.
type ReleaseQueue interface {
	Enqueue(ctx context.Context, req ReleaseRequest) error
}

// IDGenerator issues release ids.
type IDGenerator interface {
	NextID() (uint64, error)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gopher0727/UbiquiTimes/config"
	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/repositories"
	"github.com/Gopher0727/UbiquiTimes/internal/utils"
)

type delivery struct {
	URL     string
	Payload DeliveryPayload
}

// fakePlatform keeps webhooks in memory, keyed by channel.
type fakePlatform struct {
	mu        sync.Mutex
	nextID    int
	channels  map[models.ID][]Endpoint
	owners    map[string]models.ID
	creates   int
	deleted   []string
	delivered []delivery
	calls     map[string]int

	listErr    error
	createErr  error
	deleteErr  error
	deliverErr map[string]error
	onDeliver  func(url string)
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		channels:   make(map[models.ID][]Endpoint),
		owners:     make(map[string]models.ID),
		calls:      make(map[string]int),
		deliverErr: make(map[string]error),
	}
}

// seed adds an endpoint as if someone had created it out of band.
func (p *fakePlatform) seed(channelID models.ID, name string) Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(channelID, name)
}

func (p *fakePlatform) addLocked(channelID models.ID, name string) Endpoint {
	p.nextID++
	e := Endpoint{Name: name, URL: fmt.Sprintf("https://hooks.test/%d/token-%d", p.nextID, p.nextID)}
	p.channels[channelID] = append(p.channels[channelID], e)
	p.owners[e.URL] = channelID
	return e
}

func (p *fakePlatform) endpointsIn(channelID models.ID) []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Endpoint(nil), p.channels[channelID]...)
}

func (p *fakePlatform) ListEndpoints(ctx context.Context, channelID models.ID) ([]Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]Endpoint(nil), p.channels[channelID]...), nil
}

func (p *fakePlatform) CreateEndpoint(ctx context.Context, channelID models.ID, name string) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return Endpoint{}, p.createErr
	}
	p.creates++
	return p.addLocked(channelID, name), nil
}

func (p *fakePlatform) ResolveEndpoint(ctx context.Context, url string) (EndpointHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.owners[url]; !ok {
		return EndpointHandle{}, ErrEndpointGone
	}
	return EndpointHandle{ID: url, Token: "token", URL: url}, nil
}

func (p *fakePlatform) DeleteEndpoint(ctx context.Context, handle EndpointHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	channelID, ok := p.owners[handle.URL]
	if !ok {
		return ErrEndpointGone
	}
	delete(p.owners, handle.URL)
	kept := p.channels[channelID][:0]
	for _, e := range p.channels[channelID] {
		if e.URL != handle.URL {
			kept = append(kept, e)
		}
	}
	p.channels[channelID] = kept
	p.deleted = append(p.deleted, handle.URL)
	return nil
}

func (p *fakePlatform) Deliver(ctx context.Context, handle EndpointHandle, payload DeliveryPayload) error {
	p.mu.Lock()
	p.calls[handle.URL]++
	err := p.deliverErr[handle.URL]
	hook := p.onDeliver
	p.mu.Unlock()

	if hook != nil {
		hook(handle.URL)
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, delivery{URL: handle.URL, Payload: payload})
	return nil
}

func (p *fakePlatform) callsTo(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

// memRegistry is an in-memory Registry with failure injection.
type memRegistry struct {
	mu          sync.Mutex
	communities map[models.ID]models.Community
	times       map[models.TimesKey]models.Times
	upsertErr   error
}

var _ repositories.Registry = (*memRegistry)(nil)

func newMemRegistry() *memRegistry {
	return &memRegistry{
		communities: make(map[models.ID]models.Community),
		times:       make(map[models.TimesKey]models.Times),
	}
}

func (r *memRegistry) UpsertCommunity(ctx context.Context, c models.Community) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.communities[c.ID] = c
	return nil
}

func (r *memRegistry) GetCommunity(ctx context.Context, id models.ID) (*models.Community, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.communities[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &c, nil
}

func (r *memRegistry) DeleteCommunity(ctx context.Context, id models.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.communities, id)
	return nil
}

func (r *memRegistry) UpsertTimesReturningPrevious(ctx context.Context, t models.Times) (*models.Times, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return nil, &repositories.StorageError{Op: "upsert times", Err: r.upsertErr}
	}
	prev, ok := r.times[t.Key()]
	r.times[t.Key()] = t
	if !ok {
		return nil, nil
	}
	return &prev, nil
}

func (r *memRegistry) GetTimes(ctx context.Context, userID, communityID models.ID) (*models.Times, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.times[models.TimesKey{UserID: userID, CommunityID: communityID}]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &t, nil
}

func (r *memRegistry) ListTimesByUser(ctx context.Context, userID models.ID) ([]models.Times, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []models.Times
	for _, t := range r.times {
		if t.UserID == userID {
			list = append(list, t)
		}
	}
	return list, nil
}

func (r *memRegistry) DeleteTimes(ctx context.Context, userID, communityID models.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.times, models.TimesKey{UserID: userID, CommunityID: communityID})
	return nil
}

func (r *memRegistry) ListTimesByChannel(ctx context.Context, channelID models.ID) ([]models.Times, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []models.Times
	for _, t := range r.times {
		if t.ChannelID == channelID {
			list = append(list, t)
		}
	}
	return list, nil
}

func (r *memRegistry) ListChannelIDs(ctx context.Context) ([]models.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[models.ID]bool)
	var ids []models.ID
	for _, t := range r.times {
		if !seen[t.ChannelID] {
			seen[t.ChannelID] = true
			ids = append(ids, t.ChannelID)
		}
	}
	return ids, nil
}

// memLocker is a process-local Locker.
type memLocker struct {
	mu    sync.Mutex
	held  map[string]chan struct{}
	keys  []string
	fails map[string]error
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]chan struct{}), fails: make(map[string]error)}
}

func (l *memLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		if err := l.fails[key]; err != nil {
			l.mu.Unlock()
			return nil, err
		}
		wait, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.keys = append(l.keys, key)
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type memLedger struct {
	mu       sync.Mutex
	channels map[models.ID]bool
}

func newMemLedger() *memLedger {
	return &memLedger{channels: make(map[models.ID]bool)}
}

func (l *memLedger) MarkChannel(ctx context.Context, channelID models.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[channelID] = true
	return nil
}

func (l *memLedger) Channels(ctx context.Context) ([]models.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []models.ID
	for id := range l.channels {
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *memLedger) ClearChannel(ctx context.Context, channelID models.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.channels, channelID)
	return nil
}

func (l *memLedger) has(channelID models.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channels[channelID]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []TimesEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event TimesEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []EventType
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type sequenceIDs struct {
	mu   sync.Mutex
	next uint64
}

func (s *sequenceIDs) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next, nil
}

type fakeQueue struct {
	requests []ReleaseRequest
	err      error
}

func (q *fakeQueue) Enqueue(ctx context.Context, req ReleaseRequest) error {
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

var errTransient = errors.New("503 service unavailable")

type fixture struct {
	platform  *fakePlatform
	registry  *memRegistry
	locker    *memLocker
	ledger    *memLedger
	events    *recordingPublisher
	times     *TimesService
	broadcast *Broadcaster
	release   *ReleaseService
	queue     *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := utils.NewWorkerPool(8, 16, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	f := &fixture{
		platform: newFakePlatform(),
		registry: newMemRegistry(),
		locker:   newMemLocker(),
		ledger:   newMemLedger(),
		events:   &recordingPublisher{},
		queue:    &fakeQueue{},
	}
	f.times = NewTimesService(f.registry, f.platform, f.locker, f.ledger, f.events, time.Second, nil)
	f.broadcast = NewBroadcaster(f.platform, pool, config.BroadcastConfig{
		DeliveryTimeout: time.Second,
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
	}, nil)
	f.release = NewReleaseService(f.registry, f.broadcast, &sequenceIDs{}, f.events, f.queue, nil)
	return f
}

func setReq(user, community, channel models.ID, name string) SetTimesRequest {
	return SetTimesRequest{UserID: user, CommunityID: community, ChannelID: channel, UserName: name}
}

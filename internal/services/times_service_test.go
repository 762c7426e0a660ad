package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/repositories"
)

func TestSetTimes_RegisterReuseAndMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)
	assert.Equal(t, "UT-alice", first.Times.DisplayName)
	assert.False(t, first.Reused)
	assert.Nil(t, first.Previous)
	endpoints := f.platform.endpointsIn(7)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "UT-c_42", endpoints[0].Name)
	assert.Equal(t, endpoints[0].URL, first.Times.EndpointURL)

	again, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.False(t, again.Retired)
	assert.Equal(t, first.Times.EndpointURL, again.Times.EndpointURL)
	assert.Equal(t, 1, f.platform.creates)
	assert.Empty(t, f.platform.deleted)

	moved, err := f.times.SetTimes(ctx, setReq(42, 100, 8, "alice"))
	require.NoError(t, err)
	assert.False(t, moved.Reused)
	assert.True(t, moved.Retired)
	assert.NoError(t, moved.RetireErr)
	require.NotNil(t, moved.Previous)
	assert.Equal(t, models.ID(7), moved.Previous.ChannelID)

	assert.Empty(t, f.platform.endpointsIn(7))
	inEight := f.platform.endpointsIn(8)
	require.Len(t, inEight, 1)
	assert.Equal(t, "UT-c_42", inEight[0].Name)
	assert.Equal(t, []string{first.Times.EndpointURL}, f.platform.deleted)

	stored, err := f.registry.GetTimes(ctx, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, models.ID(8), stored.ChannelID)
	assert.Equal(t, inEight[0].URL, stored.EndpointURL)

	assert.Equal(t, []EventType{EventTimesSet, EventTimesSet, EventTimesSet}, f.events.types())
	assert.ElementsMatch(t, []string{"times:42:100", "endpoint:42:7", "times:42:100", "endpoint:42:7", "times:42:100", "endpoint:42:8"}, f.locker.keys)
}

func TestSetTimes_Idempotent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.platform.creates)
	assert.Len(t, f.platform.endpointsIn(7), 1)
	assert.Empty(t, f.platform.deleted)
}

func TestSetTimes_ReusesPreexistingEndpoint(t *testing.T) {
	f := newFixture(t)
	f.platform.seed(7, "GitHub")
	existing := f.platform.seed(7, "UT-c_42")

	result, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
	require.NoError(t, err)
	assert.True(t, result.Reused)
	assert.Equal(t, existing.URL, result.Times.EndpointURL)
	assert.Zero(t, f.platform.creates)
}

func TestSetTimes_MoveToReusedEndpointRetiresOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.platform.seed(8, "UT-c_42")

	first, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)

	moved, err := f.times.SetTimes(ctx, setReq(42, 100, 8, "alice"))
	require.NoError(t, err)
	assert.True(t, moved.Reused)
	assert.True(t, moved.Retired)
	assert.Equal(t, target.URL, moved.Times.EndpointURL)
	assert.Equal(t, []string{first.Times.EndpointURL}, f.platform.deleted)
	assert.Empty(t, f.platform.endpointsIn(7))
}

func TestSetTimes_ChannelOfAnotherCommunity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)

	_, err = f.times.SetTimes(ctx, setReq(42, 200, 7, "alice"))
	assert.ErrorIs(t, err, ErrChannelInUse)

	_, err = f.times.GetTimes(ctx, 42, 200)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.Len(t, f.platform.endpointsIn(7), 1)

	// Nothing was registered for 200, so deleting it cannot touch 100's endpoint.
	result, err := f.times.DeleteTimes(ctx, 42, 200)
	require.NoError(t, err)
	assert.False(t, result.Deleted)
	_, err = f.platform.ResolveEndpoint(ctx, first.Times.EndpointURL)
	assert.NoError(t, err)

	// Other users may still use the channel.
	_, err = f.times.SetTimes(ctx, setReq(43, 200, 7, "bob"))
	assert.NoError(t, err)
}

func TestSetTimes_ReusedEndpointOwnedByAnotherRecord(t *testing.T) {
	f := newFixture(t)
	shared := f.platform.seed(8, "UT-c_42")
	f.registry.times[models.TimesKey{UserID: 42, CommunityID: 300}] = models.Times{
		UserID: 42, CommunityID: 300, DisplayName: "UT-alice", ChannelID: 99, EndpointURL: shared.URL,
	}

	_, err := f.times.SetTimes(context.Background(), setReq(42, 200, 8, "alice"))
	assert.ErrorIs(t, err, ErrChannelInUse)
	_, err = f.times.GetTimes(context.Background(), 42, 200)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSetTimes_EndpointFailureAbortsBeforeCommit(t *testing.T) {
	tests := []struct {
		name   string
		inject func(p *fakePlatform)
	}{
		{name: "create", inject: func(p *fakePlatform) { p.createErr = errTransient }},
		{name: "list", inject: func(p *fakePlatform) { p.listErr = errTransient }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.inject(f.platform)

			_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEndpointCreate)
			assert.ErrorIs(t, err, errTransient)

			var endpointErr *EndpointError
			require.ErrorAs(t, err, &endpointErr)
			assert.Equal(t, models.ID(7), endpointErr.ChannelID)

			_, err = f.registry.GetTimes(context.Background(), 42, 100)
			assert.ErrorIs(t, err, repositories.ErrNotFound)
			_, err = f.registry.GetCommunity(context.Background(), 100)
			assert.ErrorIs(t, err, repositories.ErrNotFound)
			assert.Empty(t, f.events.types())
		})
	}
}

func TestSetTimes_RegistryFailureRecordsOrphan(t *testing.T) {
	f := newFixture(t)
	f.registry.upsertErr = errors.New("connection reset")

	_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
	var storageErr *repositories.StorageError
	require.ErrorAs(t, err, &storageErr)

	assert.Len(t, f.platform.endpointsIn(7), 1, "the created endpoint is left behind")
	assert.True(t, f.ledger.has(7))
}

func TestSetTimes_RegistryFailureAfterReuseLeavesNoLedgerEntry(t *testing.T) {
	f := newFixture(t)
	f.platform.seed(7, "UT-c_42")
	f.registry.upsertErr = errors.New("connection reset")

	_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
	require.Error(t, err)
	assert.False(t, f.ledger.has(7))
}

func TestSetTimes_RetireFailureIsSoft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)

	f.platform.deleteErr = errTransient
	result, err := f.times.SetTimes(ctx, setReq(42, 100, 8, "alice"))
	require.NoError(t, err)
	assert.False(t, result.Retired)
	assert.ErrorIs(t, result.RetireErr, ErrEndpointDelete)
	assert.True(t, f.ledger.has(7))

	stored, err := f.registry.GetTimes(ctx, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, models.ID(8), stored.ChannelID)
}

func TestSetTimes_PreviousEndpointAlreadyGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)
	require.NoError(t, f.platform.DeleteEndpoint(ctx, EndpointHandle{URL: first.Times.EndpointURL}))

	result, err := f.times.SetTimes(ctx, setReq(42, 100, 8, "alice"))
	require.NoError(t, err)
	assert.True(t, result.Retired)
	assert.NoError(t, result.RetireErr)
	assert.False(t, f.ledger.has(7))
}

func TestSetTimes_LockFailure(t *testing.T) {
	f := newFixture(t)
	lockErr := errors.New("lock not acquired")
	f.locker.fails["times:42:100"] = lockErr

	_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
	assert.ErrorIs(t, err, lockErr)
	assert.Zero(t, f.platform.creates)
}

func TestSetTimes_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, ""))
	assert.ErrorIs(t, err, ErrEmptyUserName)
}

func TestSetTimes_CommunityName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := setReq(42, 100, 7, "alice")
	req.CommunityName = "rustaceans"
	_, err := f.times.SetTimes(ctx, req)
	require.NoError(t, err)

	_, err = f.times.SetTimes(ctx, setReq(43, 100, 7, "bob"))
	require.NoError(t, err)

	community, err := f.times.GetCommunity(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, community.DisplayName)
	assert.Equal(t, "rustaceans", *community.DisplayName)

	_, err = f.times.SetTimes(ctx, setReq(42, 200, 9, "alice"))
	require.NoError(t, err)
	community, err = f.times.GetCommunity(ctx, 200)
	require.NoError(t, err)
	assert.Nil(t, community.DisplayName)
}

func TestSetTimes_ConcurrentSameKeyCreatesOneEndpoint(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.platform.creates)
	assert.Len(t, f.platform.endpointsIn(7), 1)
}

func TestSetTimes_PublishFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")

	_, err := f.times.SetTimes(context.Background(), setReq(42, 100, 7, "alice"))
	assert.NoError(t, err)
}

func TestDeleteTimes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	set, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)

	result, err := f.times.DeleteTimes(ctx, 42, 100)
	require.NoError(t, err)
	assert.True(t, result.Deleted)
	assert.True(t, result.Retired)
	assert.Equal(t, []string{set.Times.EndpointURL}, f.platform.deleted)

	_, err = f.times.GetTimes(ctx, 42, 100)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	again, err := f.times.DeleteTimes(ctx, 42, 100)
	require.NoError(t, err)
	assert.False(t, again.Deleted)

	assert.Equal(t, []EventType{EventTimesSet, EventTimesDeleted}, f.events.types())
}

func TestDeleteTimes_RetireFailureIsSoft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.times.SetTimes(ctx, setReq(42, 100, 7, "alice"))
	require.NoError(t, err)
	f.platform.deleteErr = errTransient

	result, err := f.times.DeleteTimes(ctx, 42, 100)
	require.NoError(t, err)
	assert.True(t, result.Deleted)
	assert.ErrorIs(t, result.RetireErr, ErrEndpointDelete)
	assert.True(t, f.ledger.has(7))

	_, err = f.times.GetTimes(ctx, 42, 100)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestCommunityOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.times.InitCommunity(ctx, models.NewCommunity(100, "guild")))
	c, err := f.times.GetCommunity(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "guild", *c.DisplayName)

	require.NoError(t, f.times.DeleteCommunity(ctx, 100))
	_, err = f.times.GetCommunity(ctx, 100)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

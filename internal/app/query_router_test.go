package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"projectfinder/internal/cache"
	"projectfinder/internal/errs"
	"projectfinder/internal/keyword"
	"projectfinder/internal/model"
	"projectfinder/internal/vectorindex"
)

type brokenKeyword struct{}

func (brokenKeyword) Search(context.Context, string, int) ([]keyword.Result, error) {
	return nil, errors.New("keyword index closed")
}

// failingHistoryWrites reads through a real cache but rejects every write.
type failingHistoryWrites struct{ *cache.HistoryCache }

func (failingHistoryWrites) SetHistory(context.Context, string, []model.ChatLogEntry) error {
	return errors.New("OOM command not allowed when used memory > 'maxmemory'")
}

func recordIDs(res *QueryResult) []uint {
	ids := make([]uint, len(res.Records))
	for i, r := range res.Records {
		ids[i] = r.Record.ID
	}
	return ids
}

func TestShortQueryTakesKeywordPath(t *testing.T) {
	f := newRouterFixture(t, nil)

	res, err := f.router.Handle(context.Background(), QueryInput{Query: "contabilidad"})
	require.NoError(t, err)

	assert.Equal(t, PathKeyword, res.Path)
	assert.Equal(t, []uint{f.records[2].ID}, recordIDs(res))
	assert.Equal(t, []QueryState{
		StateReceived, StateClassified, StateKeywordSearch,
		StateContextAssembled, StateGenerating, StateResponded,
	}, res.Transitions)
	assert.Equal(t, "Record [1] fits your company.", res.Answer)
	assert.Equal(t, "fake-llm", res.ModelUsed)
	assert.True(t, res.NewSession)
	assert.Zero(t, f.embedder.calls)
}

func TestDescriptiveQueryTakesSemanticPath(t *testing.T) {
	f := newRouterFixture(t, nil)

	res, err := f.router.Handle(context.Background(), QueryInput{
		Query: "necesito una aplicación para reservar citas en el hospital",
	})
	require.NoError(t, err)

	assert.Equal(t, PathSemantic, res.Path)
	assert.Contains(t, res.Transitions, StateSemanticSearch)
	require.Len(t, res.Records, 2)
	assert.Equal(t, f.records[1].ID, res.Records[0].Record.ID)
	assert.Greater(t, res.Records[0].Score, res.Records[1].Score)

	require.Len(t, f.llm.prompts, 1)
	user := f.llm.prompts[0][1].Content
	assert.Contains(t, user, "[1] Aplicación móvil para citas médicas")
	assert.Contains(t, user, "Question: necesito una aplicación")
}

func TestKeywordMissFallsBackToSemantic(t *testing.T) {
	f := newRouterFixture(t, nil)

	res, err := f.router.Handle(context.Background(), QueryInput{Query: "hospital"})
	require.NoError(t, err)

	assert.Equal(t, PathSemantic, res.Path)
	assert.Contains(t, res.Transitions, StateKeywordSearch)
	assert.Contains(t, res.Transitions, StateSemanticSearch)
	assert.Equal(t, f.records[1].ID, res.Records[0].Record.ID)
}

func TestKeywordFailureFallsBackToSemantic(t *testing.T) {
	f := newRouterFixture(t, nil)
	core, logs := observer.New(zap.WarnLevel)
	f.router.log = zap.New(core)
	f.router.keyword = brokenKeyword{}

	res, err := f.router.Handle(context.Background(), QueryInput{Query: "hospital"})
	require.NoError(t, err)

	assert.Equal(t, PathSemantic, res.Path)
	assert.Equal(t, StateResponded, res.State)
	assert.Contains(t, res.Transitions, StateKeywordSearch)
	assert.Contains(t, res.Transitions, StateSemanticSearch)
	require.NotEmpty(t, res.Records)
	assert.Equal(t, f.records[1].ID, res.Records[0].Record.ID)
	assert.Equal(t, 1, logs.FilterMessage("keyword search failed, falling back to semantic search").Len())
}

func TestGenerationFailureDegradesAnswer(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.llm.err = errors.New("upstream 502")

	res, err := f.router.Handle(context.Background(), QueryInput{Query: "contabilidad"})
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, StateResponded, res.State)
	assert.Contains(t, res.Answer, "Software de contabilidad gubernamental")
	assert.Empty(t, res.ModelUsed)
	assert.Equal(t, 2, f.llm.callCount())

	entries, err := f.chats.ListEntries(context.Background(), res.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Degraded)
}

func TestNoMatchesSkipsGeneration(t *testing.T) {
	f := newRouterFixture(t, nil)

	res, err := f.router.Handle(context.Background(), QueryInput{
		Query:   "necesito una aplicación para reservar citas en el hospital",
		Filters: vectorindex.Filters{Category: "bienes"},
	})
	require.NoError(t, err)

	assert.Empty(t, res.Records)
	assert.Equal(t, noResultsAnswer, res.Answer)
	assert.Equal(t, StateResponded, res.State)
	assert.Zero(t, f.llm.callCount())
}

func TestKeywordPathAppliesFilters(t *testing.T) {
	f := newRouterFixture(t, nil)
	floor := 150000.0

	res, err := f.router.Handle(context.Background(), QueryInput{
		Query:   "sistema software contabilidad monto",
		Filters: vectorindex.Filters{AmountMin: &floor},
	})
	require.NoError(t, err)

	assert.Equal(t, PathKeyword, res.Path)
	assert.Equal(t, []uint{f.records[2].ID}, recordIDs(res))
}

func TestInvalidRequestsFailAndAreLogged(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()

	res, err := f.router.Handle(ctx, QueryInput{Query: "   "})
	require.ErrorIs(t, err, errs.ErrInvalidQuery)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)

	sid := res.SessionID
	_, err = f.router.Handle(ctx, QueryInput{SessionID: sid, Query: "contabilidad", TopK: 11})
	require.ErrorIs(t, err, errs.ErrInvalidQuery)

	ok, err := f.router.Handle(ctx, QueryInput{SessionID: sid, Query: "contabilidad"})
	require.NoError(t, err)
	assert.Equal(t, sid, ok.SessionID)
	assert.False(t, ok.NewSession)

	entries, err := f.chats.ListEntries(ctx, sid, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
	}
	assert.Equal(t, string(StateFailed), entries[0].State)
	assert.Contains(t, entries[0].Error, "empty query")
	assert.Equal(t, string(StateFailed), entries[1].State)
	assert.Equal(t, string(StateResponded), entries[2].State)
}

func TestExpiredOrUnknownSessionStartsNewOne(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()

	first, err := f.router.Handle(ctx, QueryInput{Query: "contabilidad"})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	same, err := f.router.Handle(ctx, QueryInput{SessionID: first.SessionID, Query: "contabilidad"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, same.SessionID)

	f.clock.Advance(31 * time.Minute)
	expired, err := f.router.Handle(ctx, QueryInput{SessionID: first.SessionID, Query: "contabilidad"})
	require.NoError(t, err)
	assert.True(t, expired.NewSession)
	assert.NotEqual(t, first.SessionID, expired.SessionID)

	unknown, err := f.router.Handle(ctx, QueryInput{SessionID: "no-such-session", Query: "contabilidad"})
	require.NoError(t, err)
	assert.True(t, unknown.NewSession)

	old, err := f.chats.ListEntries(ctx, first.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, old, 2)
}

func TestHistoryReadsThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newRouterFixture(t, cache.NewHistoryCache(client, time.Minute, 5*time.Second))
	ctx := context.Background()

	res, err := f.router.Handle(ctx, QueryInput{Query: "contabilidad"})
	require.NoError(t, err)
	key := "chatbot:history:" + res.SessionID

	history, err := f.router.History(ctx, res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, mr.Exists(key), "dirty session must not be cached")

	mr.FastForward(6 * time.Second)
	history, err = f.router.History(ctx, res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, mr.Exists(key))

	_, err = f.router.Handle(ctx, QueryInput{SessionID: res.SessionID, Query: "contabilidad"})
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))

	history, err = f.router.History(ctx, res.SessionID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Seq)

	_, err = f.router.History(ctx, "missing", 0)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStatsReportDegradedShare(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()

	_, err := f.router.Handle(ctx, QueryInput{Query: "contabilidad"})
	require.NoError(t, err)
	f.llm.err = errors.New("down")
	_, err = f.router.Handle(ctx, QueryInput{Query: "contabilidad"})
	require.NoError(t, err)

	stats, err := f.router.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalQueries)
	assert.EqualValues(t, 2, stats.UniqueSessions)
	assert.InDelta(t, 0.5, stats.DegradedShare, 1e-9)
	assert.NotEmpty(t, f.router.Suggestions())
}

func TestHistoryCacheWriteFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newRouterFixture(t, failingHistoryWrites{cache.NewHistoryCache(client, time.Minute, 5*time.Second)})
	core, logs := observer.New(zap.WarnLevel)
	f.router.log = zap.New(core)
	ctx := context.Background()

	res, err := f.router.Handle(ctx, QueryInput{Query: "contabilidad"})
	require.NoError(t, err)
	mr.FastForward(6 * time.Second)

	history, err := f.router.History(ctx, res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, mr.Exists("chatbot:history:"+res.SessionID))

	warned := logs.FilterMessage("cache chat history failed").All()
	require.Len(t, warned, 1)
	assert.Equal(t, res.SessionID, warned[0].ContextMap()["session_id"])
}

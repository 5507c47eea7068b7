package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"feedAudit/internal/database"
	"feedAudit/internal/failure"
	"feedAudit/internal/feed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const feedURL = "https://www.tiktok.com/api/recommend/item_list/?aid=1988&count=5"

type fakeResponse struct {
	url    string
	status int
	body   string
	err    error
	gate   chan struct{}
}

func (r *fakeResponse) URL() string { return r.url }
func (r *fakeResponse) Status() int { return r.status }

func (r *fakeResponse) Body() ([]byte, error) {
	if r.gate != nil {
		<-r.gate
	}
	return []byte(r.body), r.err
}

func itemJSON(id, creator string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"desc": "Fresh pasta with tomatoes and basil for a quiet summer evening at home #food",
		"author": {"id": "9%s", "uniqueId": %q, "nickname": "Nick %s"},
		"authorStats": {"followerCount": 120, "heartCount": 3000},
		"music": {"id": "55%s", "title": "original sound", "duration": 15},
		"video": {"duration": 21.5},
		"stats": {"diggCount": 10, "shareCount": 2, "commentCount": 3, "playCount": 400},
		"textExtra": [
			{"hashtagId": "701", "hashtagName": "food", "isCommerce": false},
			{"hashtagId": "701", "hashtagName": "food", "isCommerce": false},
			{"hashtagId": "", "hashtagName": "broken"}
		]
	}`, id, id, creator, creator, id)
}

func listBody(items ...string) string {
	return `{"statusCode":0,"itemList":[` + strings.Join(items, ",") + `]}`
}

func TestInterceptorCapturesMatchingResponses(t *testing.T) {
	ctx := context.Background()
	i := NewInterceptor("api/recommend/item_list", time.Second, nil)
	defer i.Close(ctx)

	i.Handle(&fakeResponse{url: "https://www.tiktok.com/api/comment/list/", status: 200, body: listBody(itemJSON("1", "a"))})
	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON("1", "a"), itemJSON("2", "b"))})
	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON("2", "b"), itemJSON("3", "c"))})

	got := i.CaptureBatch(ctx)
	var ids []string
	for _, item := range got {
		ids = append(ids, item.ItemID())
	}
	assert.ElementsMatch(t, []string{"1", "2", "3"}, ids)
	assert.Empty(t, i.CaptureBatch(ctx))
	assert.Zero(t, i.DecodeFailures())
	assert.Zero(t, i.Stalls())
}

func TestInterceptorDecodeFailuresAreNotFatal(t *testing.T) {
	ctx := context.Background()
	i := NewInterceptor("item_list", time.Second, nil)
	defer i.Close(ctx)

	i.Handle(&fakeResponse{url: feedURL, status: 200, body: `{"itemList": [`})
	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(`{"id": "4"}`, `"oops"`, itemJSON("5", "e"))})
	i.Handle(&fakeResponse{url: feedURL, status: 200, err: errors.New("body gone")})
	i.Handle(&fakeResponse{url: feedURL, status: 503})

	got := i.CaptureBatch(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "5", got[0].ItemID())
	// Неразобранный ответ, два битых поста, ошибка чтения и статус 503
	assert.Equal(t, 5, i.DecodeFailures())
}

func TestCaptureBatchWaitsForInflightDecoding(t *testing.T) {
	ctx := context.Background()
	i := NewInterceptor("item_list", 5*time.Second, nil)
	gate := make(chan struct{})
	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON("1", "a")), gate: gate})

	done := make(chan []RawItem)
	go func() { done <- i.CaptureBatch(ctx) }()

	select {
	case <-done:
		t.Fatal("CaptureBatch вернулся до разбора ответа")
	default:
	}

	close(gate)
	got := <-done
	require.Len(t, got, 1)
	assert.Zero(t, i.Stalls())
	i.Close(ctx)
}

func TestCaptureBatchGivesUpOnStalledResponse(t *testing.T) {
	ctx := context.Background()
	i := NewInterceptor("item_list", 100*time.Millisecond, nil)
	gate := make(chan struct{})
	defer close(gate)

	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON("1", "a")), gate: gate})
	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON("2", "b"))})

	started := time.Now()
	got := i.CaptureBatch(ctx)
	assert.Less(t, time.Since(started), 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ItemID())
	assert.Equal(t, 1, i.Stalls())

	started = time.Now()
	i.Close(ctx)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 2, i.Stalls())
}

func TestCaptureBatchHonoursContext(t *testing.T) {
	i := NewInterceptor("item_list", time.Hour, nil)
	gate := make(chan struct{})
	defer close(gate)
	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON("1", "a")), gate: gate})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	assert.Empty(t, i.CaptureBatch(ctx))
	assert.Less(t, time.Since(started), time.Second)
	i.Close(ctx)
}

func TestInterceptorIgnoresResponsesAfterClose(t *testing.T) {
	ctx := context.Background()
	i := NewInterceptor("item_list", time.Second, nil)
	i.Close(ctx)
	i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON("1", "a"))})
	assert.Empty(t, i.CaptureBatch(ctx))
}

func TestConcurrentHandle(t *testing.T) {
	ctx := context.Background()
	i := NewInterceptor("item_list", 5*time.Second, nil)
	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			i.Handle(&fakeResponse{url: feedURL, status: 200, body: listBody(itemJSON(fmt.Sprint(n), "c"))})
		}(n)
	}
	wg.Wait()
	assert.Len(t, i.CaptureBatch(ctx), 20)
	i.Close(ctx)
}

func TestFlexStringAcceptsNumbers(t *testing.T) {
	items, dropped, err := decodeFeedList([]byte(`{"itemList":[{"id": 7301, "author": {"id": 12}, "music": {"id": null}}]}`))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Len(t, items, 1)
	assert.Equal(t, "7301", items[0].ItemID())
	assert.Equal(t, flexString("12"), items[0].Author.ID)
	assert.Empty(t, items[0].audioID())
}

func TestDecodeItemPage(t *testing.T) {
	t.Run("next data", func(t *testing.T) {
		html := `<html><head><script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"itemInfo":{"itemStruct":` +
			itemJSON("42", "chef") + `}}}}</script></head><body></body></html>`
		item, err := DecodeItemPage(html)
		require.NoError(t, err)
		assert.Equal(t, "42", item.ItemID())
		assert.Equal(t, "chef", item.Author.UniqueID)
	})

	t.Run("rehydration data", func(t *testing.T) {
		html := `<html><body><script id="__UNIVERSAL_DATA_FOR_REHYDRATION__" type="application/json">{"__DEFAULT_SCOPE__":{"webapp.video-detail":{"itemInfo":{"itemStruct":` +
			itemJSON("43", "chef") + `}}}}</script></body></html>`
		item, err := DecodeItemPage(html)
		require.NoError(t, err)
		assert.Equal(t, "43", item.ItemID())
	})

	t.Run("no data", func(t *testing.T) {
		_, err := DecodeItemPage(`<html><body><p>Verify you are human</p></body></html>`)
		assert.ErrorIs(t, err, errNoItemData)
	})
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage("This is a quiet evening recipe with fresh pasta, ripe tomatoes and a handful of basil leaves #food #fyp"))
	assert.Empty(t, DetectLanguage("#fyp #viral @someone"))
	assert.Empty(t, DetectLanguage(""))
}

func TestArenaConfirmAssignsPositionOnce(t *testing.T) {
	a := NewArena(5, 2)

	pos, ok := a.Confirm(feed.Item{ID: "x", CreatorUniqueID: "chef"}, 0)
	assert.True(t, ok)
	assert.Equal(t, 1, pos)

	pos, ok = a.Confirm(feed.Item{ID: "y"}, 1)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	pos, ok = a.Confirm(feed.Item{ID: "x"}, 3)
	assert.False(t, ok)
	assert.Equal(t, 1, pos)

	got, _ := a.Position("x")
	assert.Equal(t, database.Positions{Item: 1, Batch: 0}, got)
	assert.Equal(t, []string{"x", "y"}, a.Confirmed())
	assert.True(t, a.Seen("y"))
	assert.False(t, a.Seen("z"))
}

func TestArenaRecordActionOnce(t *testing.T) {
	a := NewArena(5, 2)

	assert.True(t, a.RecordAction(database.ActionRecord{Kind: database.ActionLiked, ItemID: "x"}))
	assert.False(t, a.RecordAction(database.ActionRecord{Kind: database.ActionLiked, ItemID: "x"}))
	assert.True(t, a.RecordAction(database.ActionRecord{Kind: database.ActionFollowed, ItemID: "x"}))

	actions := a.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, uint(5), actions[0].RunID)
	assert.Equal(t, 2, actions[0].ParticipantID)
	assert.True(t, a.HasAction(database.ActionLiked, "x"))
	assert.False(t, a.HasAction(database.ActionWatchedLonger, "x"))
}

type fakeFetcher struct {
	pages map[string]string
	errs  int
	urls  []string
}

func (f *fakeFetcher) FetchDocument(_ context.Context, url string) (string, error) {
	f.urls = append(f.urls, url)
	if f.errs > 0 {
		f.errs--
		return "", errors.New("net::ERR_ABORTED")
	}
	html, ok := f.pages[url]
	if !ok {
		return "<html></html>", nil
	}
	return html, nil
}

func nextDataPage(id, creator string) string {
	return `<html><script id="__NEXT_DATA__">{"props":{"pageProps":{"itemInfo":{"itemStruct":` + itemJSON(id, creator) + `}}}}</script></html>`
}

func decode(t *testing.T, items ...string) []RawItem {
	t.Helper()
	raw, dropped, err := decodeFeedList([]byte(listBody(items...)))
	require.NoError(t, err)
	require.Zero(t, dropped)
	return raw
}

// fakeSource отдаёт накопленные посты один раз.
type fakeSource struct {
	queue []RawItem
}

func (s *fakeSource) push(items ...RawItem) { s.queue = append(s.queue, items...) }

func (s *fakeSource) CaptureBatch(context.Context) []RawItem {
	out := s.queue
	s.queue = nil
	return out
}

func newReconciler(arena *Arena, source Source, fetcher Fetcher) *Reconciler {
	r := NewReconciler(arena, source, fetcher, ReconcilerConfig{BaseURL: "https://www.tiktok.com/", FetchDelay: 1}, nil)
	r.detect = func(string) string { return "en" }
	return r
}

// see захватывает пост и назначает ему позицию, как это делает лента.
func see(t *testing.T, r *Reconciler, arena *Arena, item feed.Item, batch int) {
	t.Helper()
	_, err := r.Capture(context.Background(), item, batch)
	require.NoError(t, err)
	_, ok := arena.Confirm(item, batch)
	require.True(t, ok)
}

func TestCaptureReturnsInterceptedMeta(t *testing.T) {
	arena := NewArena(5, 2)
	source := &fakeSource{}
	source.push(decode(t, itemJSON("7", "chef"))...)
	r := newReconciler(arena, source, nil)

	meta, err := r.Capture(context.Background(), feed.Item{ID: "7"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "97", meta.CreatorID)
	assert.Equal(t, "chef", meta.CreatorUniqueID)
	assert.Equal(t, "557", meta.AudioID)
	assert.Equal(t, 21.5, meta.Duration)
	assert.Contains(t, meta.Tags, "food")

	again, err := r.Capture(context.Background(), feed.Item{ID: "7"}, 0)
	require.NoError(t, err)
	assert.Equal(t, meta, again)
}

func TestFinalizeRecordsPositionedItems(t *testing.T) {
	arena := NewArena(5, 2)
	source := &fakeSource{}
	source.push(decode(t, itemJSON("1", "a"), itemJSON("2", "b"), itemJSON("3", "c"))...)
	r := newReconciler(arena, source, nil)

	see(t, r, arena, feed.Item{ID: "1"}, 0)
	see(t, r, arena, feed.Item{ID: "2"}, 0)
	res := r.Finalize(context.Background())

	require.Len(t, res.Finalized, 2)
	assert.Empty(t, res.Uncaptured)
	first := res.Finalized[0]
	assert.Equal(t, "1", first.Item.ItemID)
	assert.Equal(t, 1, first.Item.ItemPosition)
	assert.Equal(t, 0, first.Item.BatchPosition)
	assert.Equal(t, uint(5), first.Item.RunID)
	assert.Equal(t, 2, first.Item.ParticipantID)
	assert.Equal(t, "https://www.tiktok.com/@a/video/1", first.Item.URL)
	assert.Equal(t, "91", first.Item.CreatorID)
	assert.Equal(t, "en", first.Item.Language)
	require.NotNil(t, first.Audio)
	assert.Equal(t, "551", *first.Item.AudioID)
	assert.Equal(t, []database.Tag{{ID: "701", Name: "food"}}, first.Tags)

	unconfirmed := r.Unconfirmed()
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, "3", unconfirmed[0].ItemID)
}

func TestFinalizeWaitsForPosition(t *testing.T) {
	arena := NewArena(5, 2)
	source := &fakeSource{}
	source.push(decode(t, itemJSON("1", "a"))...)
	r := newReconciler(arena, source, nil)

	_, err := r.Capture(context.Background(), feed.Item{ID: "1"}, 0)
	require.NoError(t, err)
	assert.Empty(t, r.Finalize(context.Background()).Finalized)

	arena.Confirm(feed.Item{ID: "1"}, 0)
	res := r.Finalize(context.Background())
	require.Len(t, res.Finalized, 1)
	assert.Equal(t, 1, res.Finalized[0].Item.ItemPosition)
}

func TestCaptureUsesItemsInterceptedEarlier(t *testing.T) {
	arena := NewArena(5, 2)
	source := &fakeSource{}
	source.push(decode(t, itemJSON("1", "a"), itemJSON("2", "b"))...)
	r := newReconciler(arena, source, nil)

	see(t, r, arena, feed.Item{ID: "1"}, 0)
	require.Len(t, r.Finalize(context.Background()).Finalized, 1)
	require.Len(t, r.Unconfirmed(), 1)

	see(t, r, arena, feed.Item{ID: "2"}, 1)
	res := r.Finalize(context.Background())
	require.Len(t, res.Finalized, 1)
	assert.Equal(t, 2, res.Finalized[0].Item.ItemPosition)
	assert.Equal(t, 1, res.Finalized[0].Item.BatchPosition)
	assert.Empty(t, r.Unconfirmed())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	arena := NewArena(5, 2)
	source := &fakeSource{}
	source.push(decode(t, itemJSON("1", "a"))...)
	r := newReconciler(arena, source, nil)

	see(t, r, arena, feed.Item{ID: "1"}, 0)
	r.Finalize(context.Background())
	source.push(decode(t, itemJSON("1", "a"))...)
	res := r.Finalize(context.Background())

	assert.Empty(t, res.Finalized)
	assert.Len(t, r.Records(), 1)
	assert.Empty(t, r.Unconfirmed())
}

func TestUnconfirmedKeepsInterceptionBatch(t *testing.T) {
	arena := NewArena(5, 2)
	source := &fakeSource{}
	r := newReconciler(arena, source, nil)

	source.push(decode(t, itemJSON("1", "a"))...)
	see(t, r, arena, feed.Item{ID: "1"}, 0)
	source.push(decode(t, itemJSON("2", "b"), itemJSON("3", "c"))...)
	_, err := r.Capture(context.Background(), feed.Item{ID: "2"}, 3)
	require.NoError(t, err)

	unconfirmed := r.Unconfirmed()
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, "3", unconfirmed[0].ItemID)
	assert.Equal(t, 3, unconfirmed[0].BatchPosition)
}

func TestCaptureFetchesMissingItem(t *testing.T) {
	arena := NewArena(5, 2)
	fetcher := &fakeFetcher{
		errs:  1,
		pages: map[string]string{"https://www.tiktok.com/@chef/video/9": nextDataPage("9", "chef")},
	}
	r := newReconciler(arena, &fakeSource{}, fetcher)

	see(t, r, arena, feed.Item{ID: "9", CreatorUniqueID: "chef"}, 0)
	res := r.Finalize(context.Background())

	require.Len(t, res.Finalized, 1)
	assert.Equal(t, "9", res.Finalized[0].Item.ItemID)
	assert.Equal(t, 1, res.Finalized[0].Item.ItemPosition)
	assert.Len(t, fetcher.urls, 2)
	assert.False(t, arena.Failed("9"))
}

func TestCaptureGivesUpOnUncapturedItem(t *testing.T) {
	arena := NewArena(5, 2)
	fetcher := &fakeFetcher{pages: map[string]string{}}
	r := newReconciler(arena, &fakeSource{}, fetcher)

	_, err := r.Capture(context.Background(), feed.Item{ID: "9", CreatorUniqueID: "chef"}, 0)
	require.Error(t, err)
	assert.Equal(t, failure.CategoryReconciliation, failure.CategoryOf(err))
	assert.True(t, arena.Failed("9"))
	assert.False(t, arena.Seen("9"))
	assert.Len(t, fetcher.urls, 2)

	res := r.Finalize(context.Background())
	assert.Empty(t, res.Finalized)
	assert.Equal(t, []string{"9"}, res.Uncaptured)

	// Несобранный пост учитывается один раз и повторно не загружается
	res = r.Finalize(context.Background())
	assert.Empty(t, res.Uncaptured)
	assert.Len(t, fetcher.urls, 2)
}

func TestCaptureRejectsMismatchedPage(t *testing.T) {
	arena := NewArena(5, 2)
	fetcher := &fakeFetcher{pages: map[string]string{"https://www.tiktok.com/@chef/video/9": nextDataPage("10", "chef")}}
	r := newReconciler(arena, &fakeSource{}, fetcher)

	_, err := r.Capture(context.Background(), feed.Item{ID: "9", CreatorUniqueID: "chef"}, 0)
	require.Error(t, err)
	assert.Len(t, fetcher.urls, 1)
}

func TestFlushBatch(t *testing.T) {
	arena := NewArena(5, 2)
	source := &fakeSource{}
	source.push(decode(t, itemJSON("1", "a"), itemJSON("2", "b"))...)
	r := newReconciler(arena, source, nil)
	see(t, r, arena, feed.Item{ID: "1"}, 0)
	arena.RecordAction(database.ActionRecord{Kind: database.ActionLiked, ItemID: "1"})
	r.Finalize(context.Background())

	batch := r.FlushBatch()
	assert.Len(t, batch.Records, 1)
	assert.Len(t, batch.Actions, 1)
	require.Len(t, batch.Unconfirmed, 1)
	assert.Equal(t, "2", batch.Unconfirmed[0].ItemID)
}

package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/pkg/bus"
)

type fakeChat struct {
	reply string
	err   error
	calls int
}

func (f *fakeChat) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeChat) Provider() string { return "fake" }

// mutablePage serves whatever body was last set, so tests can change the page
// between watch cycles.
type mutablePage struct {
	mu   sync.Mutex
	body string
}

func (p *mutablePage) set(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.body = body
}

func (p *mutablePage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Write([]byte(p.body))
}

func setupBusClient(t *testing.T) *bus.Client {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

const watchPage = `<html><head>
<script nonce="abc123">var t = Date.now();</script>
<style>.x { color: red }</style>
</head>
<body data-timestamp="1724630400">
<!-- build 7721 -->
<p>Last updated: August 26, 2026 at 10:42 AM</p>
<ul>
<li><a href="/rfa">RFA-CA-24-001 - Cancer Moonshot Research Projects</a></li>
<li><a href="/not">NOT-OD-24-005 - Notice of Special Interest</a></li>
</ul>
</body></html>`

func TestFilterDynamicContent(t *testing.T) {
	base := FilterDynamicContent(watchPage)

	t.Run("keeps opportunity text", func(t *testing.T) {
		assert.Contains(t, base, "RFA-CA-24-001")
		assert.Contains(t, base, "Cancer Moonshot Research Projects")
		assert.NotContains(t, base, "Date.now()")
		assert.NotContains(t, base, "color: red")
		assert.NotContains(t, base, "build 7721")
	})

	t.Run("stable across dynamic noise", func(t *testing.T) {
		variants := []string{
			// different script body and nonce
			`<html><head>
<script nonce="zzz999">var q = Math.random();</script>
<style>.x { color: red }</style>
</head>
<body data-timestamp="1724999999">
<!-- build 9999 -->
<p>Last updated: September 1, 2026 at 3:07 PM</p>
<ul>
<li><a href="/rfa">RFA-CA-24-001 - Cancer Moonshot Research Projects</a></li>
<li><a href="/not">NOT-OD-24-005 - Notice of Special Interest</a></li>
</ul>
</body></html>`,
		}
		for _, v := range variants {
			assert.Equal(t, base, FilterDynamicContent(v))
		}
	})

	t.Run("changes when opportunities change", func(t *testing.T) {
		changed := FilterDynamicContent(watchPage + "\n<p>PAR-25-100 - New Program Announcement</p>")
		assert.NotEqual(t, base, changed)
	})
}

func TestNIHWatchFetch(t *testing.T) {
	ctx := context.Background()
	newSource := func(t *testing.T, url string, chat *fakeChat) (*NIHWatchSource, *bus.Client) {
		client := setupBusClient(t)
		src := NewNIHWatchSource(config.SourceConfig{URL: url}, client, chat, 0, zap.NewNop())
		return src, client
	}

	t.Run("extracts on first sight, skips while unchanged", func(t *testing.T) {
		page := &mutablePage{body: watchPage}
		srv := httptest.NewServer(page)
		defer srv.Close()

		chat := &fakeChat{reply: `[{"external_id":"RFA-CA-24-001","title":"Cancer Moonshot Research Projects","url":"https://grants.nih.gov/rfa","deadline":"2026-11-01"}]`}
		src, _ := newSource(t, srv.URL, chat)

		grants, err := src.Fetch(ctx, time.Time{})
		require.NoError(t, err)
		require.Len(t, grants, 1)
		assert.Equal(t, 1, chat.calls)
		g := grants[0]
		assert.Equal(t, SourceNIHWatch, g.Source)
		assert.Equal(t, "RFA-CA-24-001", g.ExternalID)
		assert.Equal(t, "NIH", g.FundingAgency)
		require.NotNil(t, g.Deadline)
		assert.Equal(t, "2026-11-01", g.Deadline.Format("2006-01-02"))

		// Unchanged page: no extraction, no candidates.
		grants, err = src.Fetch(ctx, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, grants)
		assert.Equal(t, 1, chat.calls)

		// Changed page triggers extraction again.
		page.set(watchPage + "\n<p>PAR-25-100 - New Program</p>")
		_, err = src.Fetch(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 2, chat.calls)
	})

	t.Run("bad extraction output does not advance the hash", func(t *testing.T) {
		srv := httptest.NewServer(&mutablePage{body: watchPage})
		defer srv.Close()

		chat := &fakeChat{reply: `[{"external_id":"","title":""}]`}
		src, client := newSource(t, srv.URL, chat)

		_, err := src.Fetch(ctx, time.Time{})
		require.Error(t, err)
		var partial *PartialError
		assert.ErrorAs(t, err, &partial)

		hash, err := client.ContentHash(ctx, SourceNIHWatch)
		require.NoError(t, err)
		assert.Empty(t, hash)

		// The next cycle re-attempts extraction on the same content.
		_, err = src.Fetch(ctx, time.Time{})
		require.Error(t, err)
		assert.Equal(t, 2, chat.calls)
	})

	t.Run("llm failure falls back to rule-based extraction", func(t *testing.T) {
		srv := httptest.NewServer(&mutablePage{body: watchPage})
		defer srv.Close()

		chat := &fakeChat{err: errors.New("llm unavailable")}
		src, _ := newSource(t, srv.URL, chat)

		grants, err := src.Fetch(ctx, time.Time{})
		require.NoError(t, err)
		require.Len(t, grants, 2)
		assert.Equal(t, "RFA-CA-24-001", grants[0].ExternalID)
		assert.Equal(t, "Cancer Moonshot Research Projects", grants[0].Title)
		assert.Equal(t, "NOT-OD-24-005", grants[1].ExternalID)
	})

	t.Run("unparseable llm output falls back too", func(t *testing.T) {
		srv := httptest.NewServer(&mutablePage{body: watchPage})
		defer srv.Close()

		chat := &fakeChat{reply: "I found some opportunities but cannot list them"}
		src, _ := newSource(t, srv.URL, chat)

		grants, err := src.Fetch(ctx, time.Time{})
		require.NoError(t, err)
		assert.Len(t, grants, 2)
	})
}

func TestRuleBasedExtract(t *testing.T) {
	src := NewNIHWatchSource(config.SourceConfig{URL: "https://grants.nih.gov/funding"}, nil, nil, 0, zap.NewNop())

	t.Run("finds guide numbers and dedupes", func(t *testing.T) {
		text := "RFA-CA-24-001 - Cancer Research\nRFA-CA-24-001 - Cancer Research\nPAR-HD-23-123: Program Announcement\nno notice here\nNOT-OD-24-005"
		grants := src.ruleBasedExtract(text)
		require.Len(t, grants, 3)
		assert.Equal(t, "Cancer Research", grants[0].Title)
		assert.Equal(t, "Program Announcement", grants[1].Title)
		assert.Equal(t, "NOT-OD-24-005", grants[2].Title, "notice number stands in when the line has no title")
		assert.Equal(t, "https://grants.nih.gov/funding", grants[0].URL)
	})

	t.Run("ignores near-miss identifiers", func(t *testing.T) {
		grants := src.ruleBasedExtract("XYZ-CA-24-001 something\nRFA-C-24-001 short org code")
		assert.Empty(t, grants)
	})
}

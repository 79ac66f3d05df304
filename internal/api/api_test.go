package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engaged/internal/engage"
	"engaged/internal/eventbus"
	"engaged/internal/storage"
	"engaged/internal/task/engine"
	"engaged/internal/task/scheduler"
	logx "engaged/pkg/logx"
)

type cronJobs struct{ s *scheduler.Service }

func (c cronJobs) ScheduleRecurring(name, rule string, fn func(ctx context.Context) error) (engage.Job, error) {
	return c.s.AddCron(name, rule, time.Second, fn)
}

type sent struct {
	mu  sync.Mutex
	ids []string
}

func (s *sent) send(_ context.Context, m engage.Message) error {
	s.mu.Lock()
	s.ids = append(s.ids, m.ID)
	s.mu.Unlock()
	return nil
}

func (s *sent) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type fixture struct {
	srv  *httptest.Server
	sent *sent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	eng.Start(context.Background())
	sch := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), bus)
	sch.Start(context.Background())

	store := storage.NewMemory()
	out := &sent{}
	tr := engage.NewTracker(store, cronJobs{sch}, out.send, engage.TrackerOptions{Location: sch.Location})
	mgr := engage.NewManager(store, tr, out.send, engage.ManagerOptions{Previewer: sch})

	svc := New(cfg, Deps{
		Engage:    mgr,
		Schedules: sch,
		Status:    func() any { return map[string]bool{"ok": true} },
	}, logx.Nop())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		tr.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sch.Stop(ctx)
		eng.Stop(ctx)
	})
	return &fixture{srv: srv, sent: out}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func at(h, m int) *time.Time {
	t := time.Date(2024, 1, 1, h, m, 0, 0, time.UTC)
	return &t
}

func TestMessageLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	resp, raw := f.do(t, http.MethodPost, "/engage/messages", engage.Message{
		Kind:         engage.KindAuto,
		Content:      "good morning",
		IsLive:       true,
		ScheduleDate: &engage.ScheduleDate{Type: "1", Time: at(9, 30)},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var created messageResponse
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotNil(t, created.Message)
	require.Empty(t, created.ScheduleError)
	id := created.Message.ID

	resp, raw = f.do(t, http.MethodGet, "/engage/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []scheduleView
	require.NoError(t, json.Unmarshal(raw, &views))
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)
	assert.Equal(t, "30 9 * * 1", views[0].Rule)
	assert.Equal(t, time.Monday, views[0].Next.Weekday())

	resp, _ = f.do(t, http.MethodPost, "/engage/messages/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, raw = f.do(t, http.MethodGet, "/engage/schedules", nil)
	require.JSONEq(t, `[]`, string(raw))

	resp, _ = f.do(t, http.MethodPost, "/engage/messages/"+id+"/live", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = f.do(t, http.MethodPut, "/engage/messages/"+id, map[string]any{"content": "updated"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var edited messageResponse
	require.NoError(t, json.Unmarshal(raw, &edited))
	assert.Equal(t, "updated", edited.Message.Content)

	resp, _ = f.do(t, http.MethodPost, "/engage/messages/"+id+"/send", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{id}, f.sent.list())

	resp, _ = f.do(t, http.MethodDelete, "/engage/messages/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/engage/messages/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, raw = f.do(t, http.MethodGet, "/engage/schedules", nil)
	require.JSONEq(t, `[]`, string(raw))
}

func TestFallbackRuleIsStoredButNotScheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	resp, raw := f.do(t, http.MethodPost, "/engage/messages", engage.Message{
		Kind:    engage.KindVisitorAuto,
		Content: "hi",
		IsLive:  true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var created messageResponse
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.NotEmpty(t, created.ScheduleError)

	_, raw = f.do(t, http.MethodGet, "/engage/schedules", nil)
	require.JSONEq(t, `[]`, string(raw))

	resp, _ = f.do(t, http.MethodGet, "/engage/messages/"+created.Message.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown kind", http.MethodPost, "/engage/messages", engage.Message{Kind: "bogus", Content: "x"}, http.StatusBadRequest},
		{"empty content", http.MethodPost, "/engage/messages", engage.Message{Kind: engage.KindManual}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/engage/messages", map[string]any{"kind": "manual", "content": "x", "nope": 1}, http.StatusBadRequest},
		{"missing id", http.MethodPost, "/engage/messages/nope/live", nil, http.StatusNotFound},
		{"bad live filter", http.MethodGet, "/engage/messages?live=maybe", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/engage/messages?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, raw := f.do(t, tt.method, tt.path, tt.body)
		assert.Equal(t, tt.want, resp.StatusCode, "%s: %s", tt.name, raw)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	for _, m := range []engage.Message{
		{Kind: engage.KindManual, Content: "a"},
		{Kind: engage.KindAuto, Content: "b", IsLive: true, ScheduleDate: &engage.ScheduleDate{Time: at(8, 0)}},
		{Kind: engage.KindAuto, Content: "c"},
	} {
		resp, raw := f.do(t, http.MethodPost, "/engage/messages", m)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	}

	var msgs []engage.Message
	_, raw := f.do(t, http.MethodGet, "/engage/messages?kind=auto&live=true", nil)
	require.NoError(t, json.Unmarshal(raw, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].Content)

	_, raw = f.do(t, http.MethodGet, "/engage/messages?limit=2", nil)
	require.NoError(t, json.Unmarshal(raw, &msgs))
	assert.Len(t, msgs, 2)
}

func TestPreview(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true})

	_, raw := f.do(t, http.MethodPost, "/engage/rules/preview", previewRequest{
		ScheduleDate: &engage.ScheduleDate{Type: "month", Day: "15", Time: at(10, 5)},
		Count:        3,
	})
	var p engage.Preview
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "5 10 15 * *", p.Rule)
	assert.True(t, p.Valid)
	require.Len(t, p.Next, 3)
	for _, n := range p.Next {
		assert.Equal(t, 15, n.Day())
	}

	_, raw = f.do(t, http.MethodPost, "/engage/rules/preview", previewRequest{})
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, engage.FallbackRule, p.Rule)
	assert.False(t, p.Valid)
	assert.NotEmpty(t, p.Error)
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Enabled: true, Token: "s3cret"})

	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp, _ = f.do(t, http.MethodGet, "/healthz", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/healthz", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := f.do(t, http.MethodGet, "/status?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{Enabled: true})
	resp, _ := off.do(t, http.MethodGet, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := newFixture(t, Config{Enabled: true, Pprof: true})
	resp, _ = on.do(t, http.MethodGet, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := svc.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	svc.Start(context.Background())

	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	assert.Equal(t, "", svc.Addr())
	assert.Nil(t, svc.Supervisor())
}

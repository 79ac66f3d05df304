package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"engaged/internal/engage"
	logx "engaged/pkg/logx"
)

func sampleMessage(id, kind string, live bool, created time.Time) engage.Message {
	at := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	return engage.Message{
		ID:           id,
		Kind:         kind,
		Title:        "t-" + id,
		Content:      "c-" + id,
		IsLive:       live,
		Target:       engage.Target{ChatID: -100123, ThreadID: 7},
		ScheduleDate: &engage.ScheduleDate{Type: "1", Time: &at},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// exerciseStore runs the behaviour every driver must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	msgs := []engage.Message{
		sampleMessage("a", engage.KindAuto, true, base),
		sampleMessage("b", engage.KindVisitorAuto, true, base.Add(time.Minute)),
		sampleMessage("c", engage.KindAuto, false, base.Add(2*time.Minute)),
		sampleMessage("d", engage.KindManual, true, base.Add(3*time.Minute)),
	}
	for i := range msgs {
		require.NoError(t, s.SaveMessage(ctx, &msgs[i]))
	}

	got, err := s.FindMessage(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "c-a", got.Content)
	require.Equal(t, int64(-100123), got.Target.ChatID)
	require.NotNil(t, got.ScheduleDate)
	require.Equal(t, "1", got.ScheduleDate.Type)
	require.True(t, got.ScheduleDate.Time.Equal(*msgs[0].ScheduleDate.Time))

	_, err = s.FindMessage(ctx, "missing")
	require.ErrorIs(t, err, engage.ErrMessageNotFound)

	live, err := s.FindLive(ctx, engage.AutoKinds)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(live))

	all, err := s.ListMessages(ctx, engage.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, ids(all))

	autos, err := s.ListMessages(ctx, engage.ListFilter{Kind: engage.KindAuto, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(autos))

	msgs[2].IsLive = true
	msgs[2].ScheduleDate = nil
	require.NoError(t, s.SaveMessage(ctx, &msgs[2]))
	got, err = s.FindMessage(ctx, "c")
	require.NoError(t, err)
	require.True(t, got.IsLive)
	require.Nil(t, got.ScheduleDate)

	require.NoError(t, s.DeleteMessage(ctx, "a"))
	require.ErrorIs(t, s.DeleteMessage(ctx, "a"), engage.ErrMessageNotFound)

	require.NoError(t, s.AppendAudit(ctx, engage.AuditRecord{ID: "r1", At: base, Action: engage.ActionAdd, MessageID: "b"}))

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.PutDedup(ctx, "k1", until))
	gotUntil, ok, err := s.GetDedup(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, gotUntil.Equal(until))
	_, ok, err = s.GetDedup(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func ids(ms []engage.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())
}

func TestFileStorePersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "engaged.db")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	live, err := s2.FindLive(context.Background(), engage.AutoKinds)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(live))
	_, ok, err := s2.GetDedup(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "engaged.sqlite")
	s, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	s2, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.FindMessage(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, engage.KindVisitorAuto, got.Kind)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []Config{
		{Driver: "redis"},
		{Driver: "file"},
		{Driver: "sqlite"},
		{Driver: "mongo"},
	}
	for _, cfg := range tests {
		_, err := Open(cfg, logx.Nop())
		require.Error(t, err, "driver %q", cfg.Driver)
	}
}

func TestMongoModelRoundTrip(t *testing.T) {
	t.Parallel()
	in := sampleMessage("m1", engage.KindAuto, true, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	in.ScheduleDate.Month = "5"

	model := toMessageModel(&in)
	require.Equal(t, int64(-100123), model.ChatID)
	require.Equal(t, "5", model.ScheduleDate.Month)

	raw, err := bson.Marshal(model)
	require.NoError(t, err)
	var decoded messageModel
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	out := fromMessageModel(&decoded)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Target, out.Target)
	require.Equal(t, in.ScheduleDate.Type, out.ScheduleDate.Type)
	require.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestMongoFilters(t *testing.T) {
	t.Parallel()
	require.Equal(t, bson.M{"isLive": true, "kind": bson.M{"$in": engage.AutoKinds}}, liveFilter(engage.AutoKinds))
	require.Equal(t, bson.M{"kind": "auto", "isLive": true}, listFilter(engage.ListFilter{Kind: "auto", LiveOnly: true}))
	require.Equal(t, bson.M{}, listFilter(engage.ListFilter{}))
}

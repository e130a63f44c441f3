package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/models"
)

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "sandbox.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStorageSaveListClear(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []*Message{
		{ID: "m1", Channel: "email", OwnerID: "u1", SequenceID: "s1", CapturedAt: base},
		{ID: "m2", Channel: "sms", OwnerID: "u1", SequenceID: "s1", CapturedAt: base.Add(time.Minute)},
		{ID: "m3", Channel: "email", OwnerID: "u2", SequenceID: "s2", CapturedAt: base.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		if err := storage.Save(ctx, m); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := storage.Get(ctx, "m2")
	if err != nil || got == nil || got.Channel != "sms" {
		t.Fatalf("Get() = %+v, %v", got, err)
	}

	list, err := storage.List(ctx, ListFilter{OwnerID: "u1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "m2" || list[1].ID != "m1" {
		t.Errorf("List(u1) = %+v, want m2, m1", list)
	}

	list, _ = storage.List(ctx, ListFilter{Channel: "email", Limit: 1})
	if len(list) != 1 || list[0].ID != "m3" {
		t.Errorf("List(email, limit 1) = %+v", list)
	}

	list, _ = storage.List(ctx, ListFilter{Offset: 2})
	if len(list) != 1 || list[0].ID != "m1" {
		t.Errorf("List(offset 2) = %+v", list)
	}

	stats, err := storage.Stats(ctx, "")
	if err != nil || stats.Total != 3 || stats.ByChannel["email"] != 2 {
		t.Errorf("Stats() = %+v, %v", stats, err)
	}

	n, err := storage.Clear(ctx, 0)
	if err != nil || n != 3 {
		t.Errorf("Clear() = %d, %v; want 3", n, err)
	}
}

func TestClearOlderThan(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	storage.Save(ctx, &Message{ID: "old", CapturedAt: time.Now().Add(-48 * time.Hour)})
	storage.Save(ctx, &Message{ID: "new", CapturedAt: time.Now()})

	n, err := storage.Clear(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Clear() = %d, %v; want 1", n, err)
	}
	if m, _ := storage.Get(ctx, "new"); m == nil {
		t.Error("recent message was removed")
	}
}

func TestSenderCaptures(t *testing.T) {
	storage := setupStorage(t)
	router := dispatch.NewRouter()
	router.Register(models.StepEmail, dispatch.SenderFunc(func(context.Context, *dispatch.Message) (*dispatch.Result, error) {
		t.Fatal("real sender must not be called in sandbox mode")
		return nil, nil
	}))
	Install(router, storage, discard())

	res, err := router.Send(context.Background(), &dispatch.Message{
		Channel:      models.StepEmail,
		OwnerID:      "u1",
		EnrollmentID: "e1",
		StepNumber:   1,
		To:           "lead@example.com",
		Subject:      "Hello",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.ExternalID == "" {
		t.Fatal("expected external id")
	}

	captured, _ := storage.Get(context.Background(), res.ExternalID)
	if captured == nil || captured.Subject != "Hello" || captured.To != "lead@example.com" {
		t.Errorf("captured = %+v", captured)
	}
}

func TestSenderSimulatedErrors(t *testing.T) {
	storage := setupStorage(t)
	s := NewSender(models.StepSMS, storage, discard())
	s.SetErrorSimulation(true, 1)

	_, err := s.Send(context.Background(), &dispatch.Message{Channel: models.StepSMS, To: "+15550100"})
	if err == nil {
		t.Fatal("expected simulated error")
	}
	var de *apperr.ExternalDispatchError
	if !errors.As(err, &de) || de.Channel != models.StepSMS {
		t.Fatalf("error %v is not an sms dispatch error", err)
	}

	list, _ := storage.List(context.Background(), ListFilter{})
	if len(list) != 1 || list[0].SimulatedErr == "" {
		t.Errorf("simulated failure not recorded: %+v", list)
	}
}

func TestIsTemporaryCode(t *testing.T) {
	tests := []struct {
		channel string
		msg     string
		want    bool
	}{
		{"email", "550 User not found", false},
		{"email", "451 Temporary failure", true},
		{"sms", "400 Invalid 'To' phone number", false},
		{"sms", "429 Too many requests", true},
		{"call", "502 Bad gateway", true},
		{"call", "garbage", true},
	}
	for _, tt := range tests {
		if got := isTemporaryCode(tt.channel, tt.msg); got != tt.want {
			t.Errorf("isTemporaryCode(%s, %q) = %v, want %v", tt.channel, tt.msg, got, tt.want)
		}
	}
}

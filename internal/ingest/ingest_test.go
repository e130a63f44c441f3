package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/cache"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/repository"
)

type fixture struct {
	store      *repository.Store
	ingestor   *Ingestor
	seq        *models.Sequence
	lead       models.Lead
	enrollment *models.Enrollment
}

func newFixture(t *testing.T, configure func(*models.Sequence)) *fixture {
	t.Helper()
	ctx := context.Background()

	d, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "test.db"), db.Options{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewStore(d)
	defs := cache.NewDefinitions(cache.NewMemoryStorage(), store.Sequences, time.Minute, logger)

	seq := &models.Sequence{
		OwnerID:         "u1",
		Name:            "Onboarding",
		Timezone:        "UTC",
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		SendDays:        []int{1, 2, 3, 4, 5},
		Steps: []models.Step{
			{StepNumber: 1, StepType: models.StepEmail, Condition: models.ConditionAlways, Subject: "s", Body: "b"},
			{StepNumber: 2, StepType: models.StepEmail, DelayDays: 2, Condition: models.ConditionAlways, Subject: "s", Body: "b"},
		},
	}
	if configure != nil {
		configure(seq)
	}
	if err := store.Sequences.Create(ctx, seq); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ok, err := store.Sequences.UpdateStatus(ctx, seq.ID, []string{models.SequenceDraft}, models.SequenceActive); err != nil || !ok {
		t.Fatalf("UpdateStatus() = %v, %v", ok, err)
	}

	leads := []models.Lead{{OwnerID: "u1", Email: "ann@x.test"}}
	if err := store.Leads.CreateBatch(ctx, leads); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	e := &models.Enrollment{SequenceID: seq.ID, LeadID: leads[0].ID, OwnerID: "u1", Revision: 1, NextActionAt: &at}
	if _, err := store.Enrollments.Enroll(ctx, e); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}

	return &fixture{store: store, ingestor: New(store, defs, logger), seq: seq, lead: leads[0], enrollment: e}
}

func (f *fixture) reload(t *testing.T) *models.Enrollment {
	t.Helper()
	e, err := f.store.Enrollments.GetByID(context.Background(), f.enrollment.ID)
	if err != nil || e == nil {
		t.Fatalf("GetByID() = %v, %v", e, err)
	}
	return e
}

func TestIngestCountsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.ingestor.Ingest(ctx, &models.Event{ID: "open-1", Type: models.EventOpen, EnrollmentID: f.enrollment.ID})
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if (i == 0) != res.Applied || (i > 0) != res.Duplicate {
			t.Errorf("delivery %d: %+v", i, res)
		}
	}

	e := f.reload(t)
	if e.Opens != 1 || e.Status != models.EnrollmentActive {
		t.Errorf("opens = %d status = %s", e.Opens, e.Status)
	}
}

func TestIngestStopRules(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*models.Sequence)
		eventType string
		want      string
	}{
		{"reply stops", func(s *models.Sequence) { s.StopOnReply = true }, models.EventReply, models.EnrollmentStoppedReply},
		{"reply without flag", nil, models.EventReply, models.EnrollmentActive},
		{"click stops", func(s *models.Sequence) { s.StopOnClick = true }, models.EventClick, models.EnrollmentStoppedClick},
		{"bounce stops", func(s *models.Sequence) { s.StopOnBounce = true }, models.EventBounce, models.EnrollmentStoppedBounce},
		{"call answered stops", func(s *models.Sequence) { s.StopOnCallAnswered = true }, models.EventCallAnswered, models.EnrollmentStoppedCall},
		{"unsubscribe always stops", nil, models.EventUnsubscribe, models.EnrollmentStoppedUnsubscribe},
		{"open never stops", func(s *models.Sequence) { s.StopOnClick = true }, models.EventOpen, models.EnrollmentActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.configure)
			res, err := f.ingestor.Ingest(context.Background(), &models.Event{ID: "ev-1", Type: tt.eventType, EnrollmentID: f.enrollment.ID})
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s", res.Status, tt.want)
			}
			e := f.reload(t)
			if e.Status != tt.want {
				t.Errorf("stored status = %s, want %s", e.Status, tt.want)
			}
			if models.IsTerminalStatus(tt.want) && e.NextActionAt != nil {
				t.Errorf("stopped enrollment still scheduled at %v", e.NextActionAt)
			}
		})
	}
}

func TestIngestFirstStopWins(t *testing.T) {
	f := newFixture(t, func(s *models.Sequence) {
		s.StopOnReply = true
		s.StopOnBounce = true
	})
	ctx := context.Background()

	if _, err := f.ingestor.Ingest(ctx, &models.Event{ID: "r", Type: models.EventReply, EnrollmentID: f.enrollment.ID}); err != nil {
		t.Fatalf("Ingest(reply) error = %v", err)
	}
	res, err := f.ingestor.Ingest(ctx, &models.Event{ID: "b", Type: models.EventBounce, EnrollmentID: f.enrollment.ID})
	if err != nil {
		t.Fatalf("Ingest(bounce) error = %v", err)
	}
	if res.Status != models.EnrollmentStoppedReply {
		t.Errorf("status = %s, want stopped_reply", res.Status)
	}

	// Counters keep counting after a stop
	if _, err := f.ingestor.Ingest(ctx, &models.Event{ID: "o", Type: models.EventOpen, EnrollmentID: f.enrollment.ID}); err != nil {
		t.Fatalf("Ingest(open) error = %v", err)
	}
	if e := f.reload(t); e.Opens != 1 || e.Replies != 1 {
		t.Errorf("counters = %+v", e.Counters())
	}
}

func TestIngestStopsPausedEnrollment(t *testing.T) {
	f := newFixture(t, func(s *models.Sequence) { s.StopOnReply = true })
	ctx := context.Background()

	e := f.reload(t)
	e.Status = models.EnrollmentPaused
	if err := f.store.Enrollments.Save(ctx, e); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res, err := f.ingestor.Ingest(ctx, &models.Event{ID: "r", Type: models.EventReply, EnrollmentID: e.ID})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != models.EnrollmentStoppedReply {
		t.Errorf("status = %s, want stopped_reply", res.Status)
	}
}

func TestIngestResolution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.ingestor.Ingest(ctx, &models.Event{ID: "a", Type: models.EventOpen, LeadID: f.lead.ID, SequenceID: f.seq.ID})
	if err != nil || res.EnrollmentID != f.enrollment.ID {
		t.Errorf("lead+sequence resolution = %+v, %v", res, err)
	}

	// Record a dispatched step so the provider id resolves
	due, err := f.store.Enrollments.ListDue(ctx, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("ListDue() = %d, %v", len(due), err)
	}
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	if err := f.store.Enrollments.Claim(ctx, &due[0], "tok", now.Add(time.Minute), now); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	next := now.AddDate(0, 0, 2)
	err = f.store.Enrollments.Advance(ctx, repository.Advance{
		EnrollmentID: due[0].ID,
		LeaseToken:   "tok",
		NextStep:     1,
		NextActionAt: &next,
		Delta:        models.Counters{EmailsSent: 1},
		Execution:    models.StepExecution{SequenceID: f.seq.ID, StepNumber: 1, StepType: models.StepEmail, Outcome: models.OutcomeSent, ExternalID: "msg-1@x.test"},
		Now:          now,
	})
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	res, err = f.ingestor.Ingest(ctx, &models.Event{ID: "b", Type: models.EventClick, ExternalID: "msg-1@x.test"})
	if err != nil || res.EnrollmentID != f.enrollment.ID {
		t.Errorf("external id resolution = %+v, %v", res, err)
	}

	if _, err := f.ingestor.Ingest(ctx, &models.Event{ID: "c", Type: models.EventClick, ExternalID: "unknown"}); !apperr.IsNotFound(err) {
		t.Errorf("unknown external id error = %v, want NotFound", err)
	}
	if _, err := f.ingestor.Ingest(ctx, &models.Event{ID: "d", Type: models.EventClick, EnrollmentID: "missing"}); !apperr.IsNotFound(err) {
		t.Errorf("unknown enrollment error = %v, want NotFound", err)
	}
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   models.Event
	}{
		{"missing id", models.Event{Type: models.EventOpen, EnrollmentID: f.enrollment.ID}},
		{"unknown type", models.Event{ID: "x", Type: "delivered", EnrollmentID: f.enrollment.ID}},
		{"no target", models.Event{ID: "x", Type: models.EventOpen, LeadID: f.lead.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ingestor.Ingest(ctx, &tt.ev); !apperr.IsValidation(err) {
				t.Errorf("Ingest() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := &models.Event{ID: "old", Type: models.EventOpen, EnrollmentID: f.enrollment.ID, ReceivedAt: time.Now().Add(-48 * time.Hour)}
	if _, err := f.ingestor.Ingest(ctx, old); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := f.ingestor.Ingest(ctx, &models.Event{ID: "new", Type: models.EventOpen, EnrollmentID: f.enrollment.ID}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	n, err := f.ingestor.Cleanup(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Errorf("Cleanup() = %d, %v, want 1", n, err)
	}
}

type fakeAck struct {
	acked, nacked, requeued bool
}

func (a *fakeAck) Ack(bool) error {
	a.acked = true
	return nil
}

func (a *fakeAck) Nack(_, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func TestConsumerSettle(t *testing.T) {
	f := newFixture(t, nil)
	c := NewConsumer(f.ingestor, ConsumerConfig{URL: "amqp://localhost"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	tests := []struct {
		name     string
		body     string
		acked    bool
		requeued bool
	}{
		{"applied", `{"id":"q1","type":"open","enrollmentId":"` + f.enrollment.ID + `"}`, true, false},
		{"duplicate", `{"id":"q1","type":"open","enrollmentId":"` + f.enrollment.ID + `"}`, true, false},
		{"bad json", `{`, false, false},
		{"unknown enrollment", `{"id":"q2","type":"open","enrollmentId":"nope"}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			c.settle(ack, []byte(tt.body), c.handle(ctx, []byte(tt.body)))
			if ack.acked != tt.acked || ack.requeued != tt.requeued {
				t.Errorf("ack = %+v", ack)
			}
		})
	}

	ack := &fakeAck{}
	c.settle(ack, nil, errors.New("database is locked"))
	if !ack.requeued {
		t.Error("transient errors should be requeued")
	}
}

func TestEmailWebhook(t *testing.T) {
	tests := []struct {
		typ  string
		want string
		ok   bool
	}{
		{"email.opened", models.EventOpen, true},
		{"Clicked", models.EventClick, true},
		{"bounce", models.EventBounce, true},
		{"email.complained", models.EventUnsubscribe, true},
		{"email.delivered", "", false},
	}
	for _, tt := range tests {
		w := &EmailWebhook{Type: tt.typ, MessageID: "m1"}
		ev, ok, err := w.Event()
		if err != nil || ok != tt.ok {
			t.Errorf("%s: ok=%v err=%v", tt.typ, ok, err)
			continue
		}
		if ok && (ev.Type != tt.want || ev.ExternalID != "m1" || ev.ID == "") {
			t.Errorf("%s: event = %+v", tt.typ, ev)
		}
	}

	if _, _, err := (&EmailWebhook{Type: "open"}).Event(); !apperr.IsValidation(err) {
		t.Errorf("missing message id error = %v", err)
	}
}

func TestVapiWebhook(t *testing.T) {
	newHook := func(typ, status, reason string) *VapiWebhook {
		w := &VapiWebhook{}
		w.Message.Type = typ
		w.Message.Status = status
		w.Message.EndedReason = reason
		w.Message.Call.ID = "call-1"
		w.Message.Call.Metadata = map[string]string{"enrollmentId": "e1"}
		return w
	}

	evs, err := newHook("status-update", "in-progress", "").Events()
	if err != nil || len(evs) != 1 || evs[0].Type != models.EventCallAnswered || evs[0].EnrollmentID != "e1" {
		t.Errorf("in-progress = %+v, %v", evs, err)
	}
	evs, _ = newHook("status-update", "ringing", "").Events()
	if len(evs) != 0 {
		t.Errorf("ringing = %+v", evs)
	}
	evs, _ = newHook("end-of-call-report", "", "customer-ended-call").Events()
	if len(evs) != 1 || evs[0].Type != models.EventCallEnded {
		t.Errorf("ended = %+v", evs)
	}
	evs, _ = newHook("end-of-call-report", "", "customer-did-not-answer").Events()
	if len(evs) != 0 {
		t.Errorf("unanswered = %+v", evs)
	}

	w := newHook("status-update", "in-progress", "")
	w.Message.Call.ID = ""
	if _, err := w.Events(); !apperr.IsValidation(err) {
		t.Errorf("missing call id error = %v", err)
	}
}

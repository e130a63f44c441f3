package sequence

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/cache"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/repository"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) // Monday

func newTestService(t *testing.T, channels ...string) (*Service, *repository.Store) {
	t.Helper()

	d, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "test.db"), db.Options{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewStore(d)
	defs := cache.NewDefinitions(cache.NewMemoryStorage(), store.Sequences, time.Minute, logger)

	router := dispatch.NewRouter()
	noop := dispatch.SenderFunc(func(context.Context, *dispatch.Message) (*dispatch.Result, error) {
		return &dispatch.Result{}, nil
	})
	for _, ch := range channels {
		router.Register(ch, noop)
	}

	svc := NewService(store, defs, router, logger)
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func addLeads(t *testing.T, store *repository.Store, owner string, emails ...string) []models.Lead {
	t.Helper()
	leads := make([]models.Lead, 0, len(emails))
	for _, e := range emails {
		leads = append(leads, models.Lead{OwnerID: owner, Email: e, FirstName: "Ann"})
	}
	if err := store.Leads.CreateBatch(context.Background(), leads); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	return leads
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t, "email", "call")
	ctx := context.Background()

	seq, err := svc.Create(ctx, "u1", models.KindSequence, validInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if seq.Status != models.SequenceDraft || seq.Revision != 1 {
		t.Errorf("status = %s revision = %d", seq.Status, seq.Revision)
	}

	got, err := svc.Get(ctx, "u1", models.KindSequence, seq.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[1].AssistantID != "asst-1" {
		t.Errorf("steps = %+v", got.Steps)
	}

	if _, err := svc.Get(ctx, "u2", models.KindSequence, seq.ID); !apperr.IsNotFound(err) {
		t.Errorf("other tenant Get() error = %v, want NotFound", err)
	}
	if _, err := svc.Get(ctx, "u1", models.KindWorkflow, seq.ID); !apperr.IsNotFound(err) {
		t.Errorf("workflow Get() of a sequence error = %v, want NotFound", err)
	}

	list, err := svc.List(ctx, "u1", models.KindSequence, "")
	if err != nil || len(list) != 1 {
		t.Errorf("List() = %d, %v", len(list), err)
	}
}

func TestUpdateRevisions(t *testing.T) {
	svc, _ := newTestService(t, "email", "call")
	ctx := context.Background()

	seq, err := svc.Create(ctx, "u1", models.KindSequence, validInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	in := validInput()
	in.Name = "Renamed"
	updated, err := svc.Update(ctx, "u1", models.KindSequence, seq.ID, in)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Revision != 1 {
		t.Errorf("settings-only update revision = %d, want 1", updated.Revision)
	}

	in = validInput()
	in.Steps[1].DelayDays = 5
	updated, err = svc.Update(ctx, "u1", models.KindSequence, seq.ID, in)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Revision != 2 {
		t.Errorf("steps update revision = %d, want 2", updated.Revision)
	}

	got, _ := svc.Get(ctx, "u1", models.KindSequence, seq.ID)
	if got.Name != "Onboarding" || got.Steps[1].DelayDays != 5 {
		t.Errorf("stored = %s / %+v", got.Name, got.Steps[1])
	}
}

func TestActivateEnrollsLeads(t *testing.T) {
	svc, store := newTestService(t, "email", "call")
	ctx := context.Background()

	addLeads(t, store, "u1", "a@x.test", "b@x.test", "c@x.test")
	addLeads(t, store, "u2", "other@x.test")

	seq, err := svc.Create(ctx, "u1", models.KindSequence, validInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	n, err := svc.Activate(ctx, "u1", models.KindSequence, seq.ID)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if n != 3 {
		t.Errorf("enrolled = %d, want 3", n)
	}

	page, err := svc.ListEnrollments(ctx, "u1", models.KindSequence, seq.ID, "", 1, 50)
	if err != nil {
		t.Fatalf("ListEnrollments() error = %v", err)
	}
	if page.Total != 3 {
		t.Errorf("total = %d", page.Total)
	}
	for _, e := range page.Enrollments {
		// 10:00 UTC on Monday is 11:00 in Berlin, inside the window
		if e.NextActionAt == nil || !e.NextActionAt.Equal(testNow) {
			t.Errorf("next_action_at = %v, want %v", e.NextActionAt, testNow)
		}
	}

	if _, err := svc.Activate(ctx, "u1", models.KindSequence, seq.ID); !apperr.IsConflict(err) {
		t.Errorf("second Activate() error = %v, want Conflict", err)
	}

	// Leads added later are picked up by trickle enrollment
	addLeads(t, store, "u1", "d@x.test")
	n, err = svc.Trickle(ctx, 100)
	if err != nil || n != 1 {
		t.Errorf("Trickle() = %d, %v, want 1", n, err)
	}
}

func TestActivateConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing sender", func(t *testing.T) {
		svc, _ := newTestService(t, "email")
		seq, err := svc.Create(ctx, "u1", models.KindSequence, validInput())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := svc.Activate(ctx, "u1", models.KindSequence, seq.ID); !apperr.IsConfiguration(err) {
			t.Errorf("Activate() error = %v, want ConfigurationError", err)
		}
	})

	t.Run("missing assistant", func(t *testing.T) {
		svc, _ := newTestService(t, "email", "call")
		in := validInput()
		in.Steps[1].AssistantID = ""
		seq, err := svc.Create(ctx, "u1", models.KindWorkflow, func() *Input {
			in.Steps[0].StepType = "email"
			return in
		}())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := svc.Activate(ctx, "u1", models.KindWorkflow, seq.ID); !apperr.IsConfiguration(err) {
			t.Errorf("Activate() error = %v, want ConfigurationError", err)
		}

		got, _ := svc.Get(ctx, "u1", models.KindWorkflow, seq.ID)
		if got.Status != models.SequenceDraft {
			t.Errorf("status = %s, want draft", got.Status)
		}
	})
}

func TestPauseResumeSequence(t *testing.T) {
	svc, _ := newTestService(t, "email", "call")
	ctx := context.Background()

	seq, _ := svc.Create(ctx, "u1", models.KindSequence, validInput())
	if err := svc.Pause(ctx, "u1", models.KindSequence, seq.ID); !apperr.IsConflict(err) {
		t.Errorf("Pause() of draft error = %v, want Conflict", err)
	}

	if _, err := svc.Activate(ctx, "u1", models.KindSequence, seq.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := svc.Pause(ctx, "u1", models.KindSequence, seq.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := svc.Pause(ctx, "u1", models.KindSequence, seq.ID); err != nil {
		t.Errorf("repeated Pause() error = %v", err)
	}
	if err := svc.Resume(ctx, "u1", models.KindSequence, seq.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	got, _ := svc.Get(ctx, "u1", models.KindSequence, seq.ID)
	if got.Status != models.SequenceActive {
		t.Errorf("status = %s, want active", got.Status)
	}
}

func TestStopAndResumeEnrollment(t *testing.T) {
	svc, store := newTestService(t, "email", "call")
	ctx := context.Background()

	addLeads(t, store, "u1", "a@x.test")
	seq, _ := svc.Create(ctx, "u1", models.KindSequence, validInput())
	if _, err := svc.Activate(ctx, "u1", models.KindSequence, seq.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	page, _ := svc.ListEnrollments(ctx, "u1", models.KindSequence, seq.ID, "", 1, 10)
	eid := page.Enrollments[0].ID

	e, err := svc.StopEnrollment(ctx, "u1", models.KindSequence, seq.ID, eid, "asked to wait")
	if err != nil {
		t.Fatalf("StopEnrollment() error = %v", err)
	}
	if e.Status != models.EnrollmentPaused || e.StopReason != "asked to wait" {
		t.Errorf("enrollment = %s / %q", e.Status, e.StopReason)
	}

	e, err = svc.ResumeEnrollment(ctx, "u1", models.KindSequence, seq.ID, eid)
	if err != nil {
		t.Fatalf("ResumeEnrollment() error = %v", err)
	}
	if e.Status != models.EnrollmentActive || e.NextActionAt == nil {
		t.Errorf("enrollment = %s next=%v", e.Status, e.NextActionAt)
	}

	if _, err := svc.ResumeEnrollment(ctx, "u1", models.KindSequence, seq.ID, eid); !apperr.IsConflict(err) {
		t.Errorf("resume of active enrollment error = %v, want Conflict", err)
	}
	if _, err := svc.StopEnrollment(ctx, "u2", models.KindSequence, seq.ID, eid, ""); !apperr.IsNotFound(err) {
		t.Errorf("cross-tenant stop error = %v, want NotFound", err)
	}
}

func TestEnrollLeads(t *testing.T) {
	svc, store := newTestService(t, "email", "call")
	ctx := context.Background()

	in := validInput()
	in.CampaignID = "camp-1"
	seq, _ := svc.Create(ctx, "u1", models.KindSequence, in)

	leads := addLeads(t, store, "u1", "a@x.test", "b@x.test")
	if _, err := svc.EnrollLeads(ctx, "u1", models.KindSequence, seq.ID, []string{leads[0].ID}); !apperr.IsConflict(err) {
		t.Errorf("EnrollLeads() into draft error = %v, want Conflict", err)
	}

	if _, err := svc.Activate(ctx, "u1", models.KindSequence, seq.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	n, err := svc.EnrollLeads(ctx, "u1", models.KindSequence, seq.ID, []string{leads[0].ID, leads[1].ID})
	if err != nil || n != 2 {
		t.Errorf("EnrollLeads() = %d, %v, want 2", n, err)
	}
	n, err = svc.EnrollLeads(ctx, "u1", models.KindSequence, seq.ID, []string{leads[0].ID})
	if err != nil || n != 0 {
		t.Errorf("repeated EnrollLeads() = %d, %v, want 0", n, err)
	}
	if _, err := svc.EnrollLeads(ctx, "u1", models.KindSequence, seq.ID, []string{"missing"}); !apperr.IsValidation(err) {
		t.Errorf("unknown lead error = %v, want ValidationError", err)
	}
}

func TestAnalyticsEmpty(t *testing.T) {
	svc, _ := newTestService(t, "email", "call")
	ctx := context.Background()

	seq, _ := svc.Create(ctx, "u1", models.KindSequence, validInput())
	a, err := svc.Analytics(ctx, "u1", models.KindSequence, seq.ID)
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if a.SequenceID != seq.ID || len(a.Funnel) != 2 {
		t.Errorf("analytics = %+v", a)
	}
}

func TestDelete(t *testing.T) {
	svc, _ := newTestService(t, "email", "call")
	ctx := context.Background()

	seq, _ := svc.Create(ctx, "u1", models.KindSequence, validInput())
	if err := svc.Delete(ctx, "u2", models.KindSequence, seq.ID); !apperr.IsNotFound(err) {
		t.Errorf("cross-tenant Delete() error = %v", err)
	}
	if err := svc.Delete(ctx, "u1", models.KindSequence, seq.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.Get(ctx, "u1", models.KindSequence, seq.ID); !apperr.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

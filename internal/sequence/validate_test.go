package sequence

import (
	"errors"
	"strings"
	"testing"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

func validInput() *Input {
	return &Input{
		Name:            "Onboarding",
		Timezone:        "Europe/Berlin",
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		SendDays:        []int{1, 2, 3, 4, 5},
		StopOnReply:     true,
		Steps: []StepInput{
			{StepNumber: 1, Subject: "Hello", Body: "Hi {{firstName}}"},
			{StepNumber: 2, StepType: "call", DelayDays: 2, Condition: "no_reply", AssistantID: "asst-1"},
		},
	}
}

func fieldsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := make(map[string]string)
	for _, f := range verr.Fields {
		fields[f.Field] = f.Message
	}
	return fields
}

func TestValidateDefaults(t *testing.T) {
	in := validInput()
	in.Steps[0], in.Steps[1] = in.Steps[1], in.Steps[0]

	steps, err := Validate(models.KindSequence, in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d", len(steps))
	}
	if steps[0].StepNumber != 1 || steps[0].StepType != models.StepEmail {
		t.Errorf("step 1 = %+v, want email step sorted first", steps[0])
	}
	if steps[0].Condition != models.ConditionAlways {
		t.Errorf("condition = %q, want always", steps[0].Condition)
	}
	if steps[1].StepType != models.StepCall || steps[1].Condition != models.ConditionNoReply {
		t.Errorf("step 2 = %+v", steps[1])
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		kind   string
		modify func(*Input)
		field  string
	}{
		{"missing name", models.KindSequence, func(in *Input) { in.Name = "  " }, "name"},
		{"no steps", models.KindSequence, func(in *Input) { in.Steps = nil }, "steps"},
		{"bad timezone", models.KindSequence, func(in *Input) { in.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad clock", models.KindSequence, func(in *Input) { in.SendWindowStart = "9am" }, "sendWindowStart"},
		{"empty window", models.KindSequence, func(in *Input) { in.SendWindowEnd = "09:00" }, "sendWindowEnd"},
		{"bad day", models.KindSequence, func(in *Input) { in.SendDays = []int{0, 8} }, "sendDays[0]"},
		{"unknown step type", models.KindSequence, func(in *Input) { in.Steps[1].StepType = "fax" }, "steps[1].stepType"},
		{"delay too long", models.KindSequence, func(in *Input) { in.Steps[1].DelayDays = 31 }, "steps[1].delayDays"},
		{"gap in numbers", models.KindSequence, func(in *Input) { in.Steps[1].StepNumber = 3 }, "steps[1].stepNumber"},
		{"first step delayed", models.KindSequence, func(in *Input) { in.Steps[0].DelayHours = 2 }, "steps[0].delayDays"},
		{"first step conditional", models.KindSequence, func(in *Input) { in.Steps[0].Condition = "no_open" }, "steps[0].condition"},
		{"email without subject", models.KindSequence, func(in *Input) { in.Steps[0].Subject = "" }, "steps[0].subject"},
		{"bad cta url", models.KindSequence, func(in *Input) { in.Steps[0].CTAURL = "not a url" }, "steps[0].ctaUrl"},
		{"sms too long", models.KindSequence, func(in *Input) {
			in.Steps[1] = StepInput{StepNumber: 2, StepType: "sms", Body: strings.Repeat("x", 1601)}
		}, "steps[1].body"},
		{"workflow step type required", models.KindWorkflow, func(in *Input) {}, "steps[0].stepType"},
		{"call too long", models.KindSequence, func(in *Input) { in.Steps[1].MaxDurationSeconds = 3600 }, "steps[1].maxDurationSeconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.modify(in)

			_, err := Validate(tt.kind, in)
			fields := fieldsOf(t, err)
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("missing error for %s, got %v", tt.field, fields)
			}
		})
	}
}

func TestValidateFollowUpSubjects(t *testing.T) {
	tests := []struct {
		name  string
		first string
		want  string
	}{
		{"plain subject", "Hello {{firstName}}", "Re: Hello {{firstName}}"},
		{"already a reply", "RE: Hello", "RE: Hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			in.Steps[0].Subject = tt.first
			in.Steps = append(in.Steps,
				StepInput{StepNumber: 3, DelayDays: 2, Condition: "no_reply", Body: "Bumping this"},
				StepInput{StepNumber: 4, DelayDays: 2, Subject: "Last note", Body: "Closing the loop"},
				StepInput{StepNumber: 5, DelayDays: 2, Body: "Really the last"},
			)

			steps, err := Validate(models.KindSequence, in)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if steps[2].Subject != tt.want {
				t.Errorf("step 3 subject = %q, want %q", steps[2].Subject, tt.want)
			}
			if steps[3].Subject != "Last note" {
				t.Errorf("step 4 subject = %q, want it kept", steps[3].Subject)
			}
			if steps[4].Subject != "Re: Last note" {
				t.Errorf("step 5 subject = %q, want %q", steps[4].Subject, "Re: Last note")
			}
		})
	}
}

func TestValidateFollowUpEmailNeedsBody(t *testing.T) {
	in := validInput()
	in.Steps = append(in.Steps, StepInput{StepNumber: 3, DelayDays: 1})

	fields := fieldsOf(t, func() error { _, err := Validate(models.KindSequence, in); return err }())
	if _, ok := fields["steps[2].body"]; !ok {
		t.Errorf("missing error for steps[2].body, got %v", fields)
	}
	if _, ok := fields["steps[2].subject"]; ok {
		t.Errorf("follow-up subject should be optional, got %v", fields)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	in := validInput()
	in.Name = ""
	in.Steps[0].Subject = ""
	in.Steps[1].DelayHours = 24

	fields := fieldsOf(t, func() error { _, err := Validate(models.KindSequence, in); return err }())
	for _, f := range []string{"name", "steps[0].subject", "steps[1].delayHours"} {
		if _, ok := fields[f]; !ok {
			t.Errorf("missing error for %s", f)
		}
	}
}

func TestToModel(t *testing.T) {
	in := validInput()
	steps, err := Validate(models.KindSequence, in)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	seq := ToModel("u1", models.KindSequence, in, steps)
	if seq.OwnerID != "u1" || seq.Kind != models.KindSequence || seq.Name != "Onboarding" {
		t.Errorf("seq = %+v", seq)
	}
	if !seq.StopOnReply || seq.Timezone != "Europe/Berlin" || len(seq.Steps) != 2 {
		t.Errorf("settings not copied: %+v", seq)
	}
}

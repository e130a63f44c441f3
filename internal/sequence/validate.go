package sequence

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/window"
)

// MaxDelayDays caps the delay between two steps
const MaxDelayDays = 30

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names so field errors match the request body
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// StepInput is one step of a create or update request
type StepInput struct {
	StepNumber         int    `json:"stepNumber" validate:"required,min=1"`
	StepType           string `json:"stepType" validate:"omitempty,oneof=email call sms wait"`
	DelayDays          int    `json:"delayDays" validate:"min=0,max=30"`
	DelayHours         int    `json:"delayHours" validate:"min=0,max=23"`
	Condition          string `json:"condition" validate:"omitempty,oneof=always no_reply no_open no_answer"`
	Subject            string `json:"subject" validate:"max=998"`
	Body               string `json:"body"`
	CTAText            string `json:"ctaText" validate:"max=200"`
	CTAURL             string `json:"ctaUrl" validate:"omitempty,url"`
	Script             string `json:"script"`
	MaxDurationSeconds int    `json:"maxDurationSeconds" validate:"min=0,max=1800"`
	AssistantID        string `json:"assistantId"`
}

// Input is the body of a create or update request
type Input struct {
	Name               string      `json:"name" validate:"required,max=200"`
	Description        string      `json:"description" validate:"max=2000"`
	CampaignID         string      `json:"campaignId"`
	Timezone           string      `json:"timezone" validate:"required"`
	SendWindowStart    string      `json:"sendWindowStart" validate:"required"`
	SendWindowEnd      string      `json:"sendWindowEnd" validate:"required"`
	SendDays           []int       `json:"sendDays" validate:"required,min=1,dive,min=1,max=7"`
	StopOnReply        bool        `json:"stopOnReply"`
	StopOnClick        bool        `json:"stopOnClick"`
	StopOnBounce       bool        `json:"stopOnBounce"`
	StopOnCallAnswered bool        `json:"stopOnCallAnswered"`
	VapiAssistantID    string      `json:"vapiAssistantId"`
	Steps              []StepInput `json:"steps" validate:"required,min=1,dive"`
}

// Validate checks a definition and returns the normalised steps ordered by
// step number. Sequences default a missing stepType to email; workflows
// require it.
func Validate(kind string, in *Input) ([]models.Step, error) {
	in.Name = strings.TrimSpace(in.Name)

	verr := &apperr.ValidationError{}
	if err := validate.Struct(in); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return nil, fmt.Errorf("failed to validate: %w", err)
		}
		for _, fe := range ves {
			verr.Fields = append(verr.Fields, apperr.FieldError{Field: fieldPath(fe), Message: tagMessage(fe)})
		}
	}

	if in.Timezone != "" && in.SendWindowStart != "" && in.SendWindowEnd != "" && len(in.SendDays) > 0 {
		if _, err := window.New(in.Timezone, in.SendWindowStart, in.SendWindowEnd, in.SendDays); err != nil {
			var werr *apperr.ValidationError
			if errors.As(err, &werr) {
				verr.Fields = append(verr.Fields, werr.Fields...)
			}
		}
	}

	steps := normaliseSteps(kind, in.Steps)
	for i, step := range steps {
		checkStep(verr, kind, i, step)
	}
	threadSubjects(steps)
	for i, step := range steps {
		if step.StepType == models.StepEmail && step.Subject == "" {
			verr.Add(fmt.Sprintf("steps[%d].subject", i), "is required for the first email step")
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return steps, nil
}

func normaliseSteps(kind string, in []StepInput) []models.Step {
	steps := make([]models.Step, 0, len(in))
	for _, s := range in {
		stepType := s.StepType
		if stepType == "" && kind != models.KindWorkflow {
			stepType = models.StepEmail
		}
		condition := s.Condition
		if condition == "" {
			condition = models.ConditionAlways
		}
		steps = append(steps, models.Step{
			StepNumber:         s.StepNumber,
			StepType:           stepType,
			DelayDays:          s.DelayDays,
			DelayHours:         s.DelayHours,
			Condition:          condition,
			Subject:            strings.TrimSpace(s.Subject),
			Body:               s.Body,
			CTAText:            s.CTAText,
			CTAURL:             s.CTAURL,
			Script:             s.Script,
			MaxDurationSeconds: s.MaxDurationSeconds,
			AssistantID:        s.AssistantID,
		})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	return steps
}

func checkStep(verr *apperr.ValidationError, kind string, i int, step models.Step) {
	field := func(name string) string {
		return fmt.Sprintf("steps[%d].%s", i, name)
	}

	if step.StepNumber != i+1 {
		verr.Add(field("stepNumber"), "step numbers must be contiguous starting at 1, expected %d", i+1)
	}
	if step.StepType == "" && kind == models.KindWorkflow {
		verr.Add(field("stepType"), "is required")
	}

	if i == 0 {
		if step.DelayDays != 0 || step.DelayHours != 0 {
			verr.Add(field("delayDays"), "the first step cannot have a delay")
		}
		if step.Condition != models.ConditionAlways {
			verr.Add(field("condition"), "the first step always executes")
		}
	}

	switch step.StepType {
	case models.StepEmail:
		if strings.TrimSpace(step.Body) == "" {
			verr.Add(field("body"), "is required for email steps")
		}
	case models.StepSMS:
		if strings.TrimSpace(step.Body) == "" {
			verr.Add(field("body"), "is required for sms steps")
		}
		if utf8.RuneCountInString(step.Body) > dispatch.MaxSMSLength {
			verr.Add(field("body"), "must be at most %d characters", dispatch.MaxSMSLength)
		}
	}
}

// threadSubjects gives every email follow-up without a subject the
// "Re:" form of the nearest earlier email subject
func threadSubjects(steps []models.Step) {
	prev := ""
	for i := range steps {
		if steps[i].StepType != models.StepEmail {
			continue
		}
		if steps[i].Subject == "" && prev != "" {
			steps[i].Subject = replySubject(prev)
		}
		prev = steps[i].Subject
	}
}

func replySubject(subject string) string {
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

// fieldPath drops the root struct name from the namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must contain at least " + fe.Param() + " item(s)"
		}
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "is invalid"
	}
}

// ToModel builds the stored definition from a validated input
func ToModel(ownerID, kind string, in *Input, steps []models.Step) *models.Sequence {
	seq := &models.Sequence{
		OwnerID: ownerID,
		Kind:    kind,
	}
	apply(seq, in, steps)
	return seq
}

func apply(seq *models.Sequence, in *Input, steps []models.Step) {
	seq.Name = in.Name
	seq.Description = in.Description
	seq.CampaignID = in.CampaignID
	seq.Timezone = in.Timezone
	seq.SendWindowStart = in.SendWindowStart
	seq.SendWindowEnd = in.SendWindowEnd
	seq.SendDays = in.SendDays
	seq.StopOnReply = in.StopOnReply
	seq.StopOnClick = in.StopOnClick
	seq.StopOnBounce = in.StopOnBounce
	seq.StopOnCallAnswered = in.StopOnCallAnswered
	seq.VapiAssistantID = in.VapiAssistantID
	seq.Steps = steps
}

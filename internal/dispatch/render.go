package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/foxzi/cadence/internal/models"
)

// varPattern matches {{variable}} placeholders
var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Variables returns the substitution map of a lead. Custom fields override
// the built-in names.
func Variables(lead *models.Lead) map[string]string {
	vars := map[string]string{
		"firstName": lead.FirstName,
		"lastName":  lead.LastName,
		"name":      lead.Name(),
		"company":   lead.Company,
		"email":     lead.Email,
		"phone":     lead.Phone,
	}
	for k, v := range lead.CustomFields {
		vars[k] = v
	}
	return vars
}

// Render substitutes {{variable}} placeholders. Unknown variables are left
// as they are.
func Render(text string, vars map[string]string) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Build renders a step for one enrollment
func Build(seq *models.Sequence, step models.Step, e *models.Enrollment, lead *models.Lead, defaultMaxDuration int) *Message {
	vars := Variables(lead)

	msg := &Message{
		ID:           fmt.Sprintf("%s-%d", e.ID, step.StepNumber),
		EnrollmentID: e.ID,
		SequenceID:   seq.ID,
		OwnerID:      seq.OwnerID,
		StepNumber:   step.StepNumber,
		Channel:      step.StepType,
		To:           Recipient(step.StepType, lead),
		LeadName:     lead.Name(),
	}

	switch step.StepType {
	case models.StepEmail:
		msg.Subject = Render(step.Subject, vars)
		msg.Body = Render(step.Body, vars)
		msg.CTAText = Render(step.CTAText, vars)
		msg.CTAURL = Render(step.CTAURL, vars)
	case models.StepSMS:
		msg.Body = Render(step.Body, vars)
	case models.StepCall:
		msg.Script = Render(step.Script, vars)
		msg.AssistantID = step.AssistantID
		if msg.AssistantID == "" {
			msg.AssistantID = seq.VapiAssistantID
		}
		msg.MaxDurationSeconds = step.MaxDurationSeconds
		if msg.MaxDurationSeconds == 0 {
			msg.MaxDurationSeconds = defaultMaxDuration
		}
	}
	return msg
}

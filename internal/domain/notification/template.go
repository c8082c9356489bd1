package notification

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ehr/eventpipe/internal/domain/events"
)

// Template is the subject/body pair rendered for one event kind. Fields are
// referenced as {{name}}.
type Template struct {
	Kind    events.Kind
	Subject string
	Body    string
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateEngine holds one template per event kind. It is read-only after
// construction.
type TemplateEngine struct {
	templates map[events.Kind]Template
}

// NewTemplateEngine returns an engine preloaded with a template for every
// event kind.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[events.Kind]Template)}
	for _, t := range defaultTemplates {
		e.templates[t.Kind] = t
	}
	return e
}

var defaultTemplates = []Template{
	{
		Kind:    events.KindAppointmentCreated,
		Subject: "Appointment Confirmation",
		Body:    "Dear {{patientName}}, your appointment with {{doctorName}} is scheduled for {{appointmentDate}}.",
	},
	{
		Kind:    events.KindAppointmentUpdated,
		Subject: "Appointment Updated",
		Body:    "Dear {{patientName}}, your appointment with {{doctorName}} has been moved from {{previousDate}} to {{appointmentDate}}.",
	},
	{
		Kind:    events.KindAppointmentCancelled,
		Subject: "Appointment Cancelled",
		Body:    "Dear {{patientName}}, your appointment with {{doctorName}} on {{appointmentDate}} has been cancelled. Reason: {{cancellationReason}}.",
	},
	{
		Kind:    events.KindPaymentInitiated,
		Subject: "Payment Initiated",
		Body:    "Dear {{patientName}}, a payment of {{amount}} {{currency}} by {{paymentMethod}} has been initiated for bill #{{billingId}}.",
	},
	{
		Kind:    events.KindPaymentProcessed,
		Subject: "Payment Received",
		Body:    "Dear {{patientName}}, we received your payment of {{amount}} {{currency}} for bill #{{billingId}}. Transaction reference: {{transactionId}}.",
	},
	{
		Kind:    events.KindPaymentFailed,
		Subject: "Payment Failed",
		Body:    "Dear {{patientName}}, your payment of {{amount}} {{currency}} for bill #{{billingId}} could not be processed: {{failureReason}}.",
	},
	{
		Kind:    events.KindRefundProcessed,
		Subject: "Refund Processed",
		Body:    "Dear {{patientName}}, a refund of {{refundAmount}} {{currency}} for bill #{{billingId}} has been processed. Refund reference: {{refundId}}.",
	},
}

// Render substitutes data into the template for kind in a single pass, so a
// value that itself looks like {{name}} is left alone. Every placeholder the
// template uses must be present in data.
func (e *TemplateEngine) Render(kind events.Kind, data map[string]string) (subject, body string, err error) {
	t, ok := e.templates[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for %s", kind)
	}

	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	for _, text := range []string{t.Subject, t.Body} {
		for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
			if _, ok := data[m[1]]; !ok {
				return "", "", fmt.Errorf("template %s: missing field %q", kind, m[1])
			}
		}
	}

	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/aws"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/orders"
)

// ErrUnknownEvent is returned for events without an email template.
var ErrUnknownEvent = errors.New("no email template for event")

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var emailTemplates = map[orders.Event]emailTemplate{
	orders.EventPaymentConfirmed: {
		subject: template.Must(template.New("subject").Parse(`Payment received for order {{.OrderID}}`)),
		body: template.Must(template.New("body").Parse(`Hello {{.Shipment.RecipientName}},

We received your payment of {{.Total}} for order {{.OrderID}}.
{{range .Items}}
  {{.Quantity}} x {{.Title}}{{end}}

We will let you know as soon as it ships to {{.Shipment.City}}, {{.Shipment.Country}}.
`)),
	},
	orders.EventShipped: {
		subject: template.Must(template.New("subject").Parse(`Order {{.OrderID}} has shipped`)),
		body: template.Must(template.New("body").Parse(`Hello {{.Shipment.RecipientName}},

Your order {{.OrderID}} is on its way to:

  {{.Shipment.Street}}
  {{.Shipment.PostalCode}} {{.Shipment.City}}
  {{.Shipment.Country}}
`)),
	},
}

// RenderEmail returns the subject and plain-text body for msg.
func RenderEmail(msg Message) (string, string, error) {
	tpl, ok := emailTemplates[msg.Event]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, msg); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if err := tpl.body.Execute(&body, msg); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject.String(), body.String(), nil
}

// EmailSender delivers rendered notifications through SES.
type EmailSender struct {
	client aws.SESAPI
	from   string
}

// NewEmailSender returns a sender using from as the envelope sender.
func NewEmailSender(client aws.SESAPI, from string) *EmailSender {
	return &EmailSender{client: client, from: from}
}

// Send renders msg and sends it to msg.Recipient.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("send email for order %s: no recipient", msg.OrderID)
	}
	subject, body, err := RenderEmail(msg)
	if err != nil {
		return err
	}
	_, err = s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: &s.from,
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: &subject},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: &body},
				},
			},
		},
		EmailTags: []sestypes.MessageTag{
			{Name: awsString("event"), Value: awsString(string(msg.Event))},
		},
	})
	if err != nil {
		return fmt.Errorf("send email for order %s: %w", msg.OrderID, err)
	}
	return nil
}

func awsString(s string) *string { return &s }

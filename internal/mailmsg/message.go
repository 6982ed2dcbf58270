package mailmsg

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parcelpost/relay/internal/dkim"
	"github.com/parcelpost/relay/internal/domain"
)

// Message is a fully assembled outbound email, ready for signing and
// delivery. Headers hold lower-cased names; HeaderOrder preserves the
// emission order for the wire format.
type Message struct {
	Headers     map[string]string
	HeaderOrder []string
	Body        string

	MessageID string
	From      string
	To        []string
}

// Builder renders job templates and assembles wire-format messages. Now is
// injectable so Date headers, and downstream signatures, are reproducible
// in tests.
type Builder struct {
	templates *TemplateService
	Now       func() time.Time
}

func NewBuilder(templates *TemplateService) *Builder {
	return &Builder{templates: templates, Now: time.Now}
}

// Build renders the job's subject and bodies with its substitutions and
// assembles the message with generated Date and Message-ID headers.
func (b *Builder) Build(job *domain.EmailJob) (*Message, error) {
	subs := job.Substitutions
	if subs == nil {
		subs = map[string]any{}
	}

	subject, err := b.templates.Render(job.Subject, subs)
	if err != nil {
		return nil, fmt.Errorf("render subject for job %s: %w", job.ID, err)
	}
	htmlBody, err := b.templates.Render(job.HTMLBody, subs)
	if err != nil {
		return nil, fmt.Errorf("render html body for job %s: %w", job.ID, err)
	}
	textBody, err := b.templates.Render(job.TextBody, subs)
	if err != nil {
		return nil, fmt.Errorf("render text body for job %s: %w", job.ID, err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), job.SenderDomain())

	msg := &Message{
		Headers:   map[string]string{},
		MessageID: messageID,
		From:      job.From,
		To:        job.To,
	}

	msg.set("from", job.From)
	msg.set("to", strings.Join(job.To, ", "))
	msg.set("subject", mime.QEncoding.Encode("utf-8", subject))
	msg.set("date", b.Now().UTC().Format(time.RFC1123Z))
	msg.set("message-id", messageID)
	msg.set("mime-version", "1.0")

	for name, value := range job.Headers {
		key := strings.ToLower(name)
		if _, exists := msg.Headers[key]; exists {
			continue
		}
		msg.set(key, value)
	}

	switch {
	case htmlBody != "" && textBody != "":
		boundary := "=_relay_" + uuid.NewString()
		msg.set("content-type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		msg.Body = multipartBody(boundary, textBody, htmlBody)
	case htmlBody != "":
		msg.set("content-type", `text/html; charset="utf-8"`)
		msg.Body = htmlBody
	default:
		msg.set("content-type", `text/plain; charset="utf-8"`)
		msg.Body = textBody
	}

	return msg, nil
}

func (m *Message) set(name, value string) {
	if _, exists := m.Headers[name]; !exists {
		m.HeaderOrder = append(m.HeaderOrder, name)
	}
	m.Headers[name] = value
}

func multipartBody(boundary, textBody, htmlBody string) string {
	var b strings.Builder
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(textBody)
	b.WriteString("\r\n--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(htmlBody)
	b.WriteString("\r\n--" + boundary + "--\r\n")
	return b.String()
}

// SignerView exposes the message in the form the signing engine consumes.
func (m *Message) SignerView() dkim.Message {
	return dkim.Message{Headers: m.Headers, Body: m.Body}
}

// Bytes serializes the message in wire format. A non-empty dkimHeader is
// emitted first so the signature precedes the headers it covers.
func (m *Message) Bytes(dkimHeader string) []byte {
	var b strings.Builder
	if dkimHeader != "" {
		b.WriteString("DKIM-Signature: " + dkimHeader + "\r\n")
	}
	for _, name := range m.HeaderOrder {
		b.WriteString(canonicalName(name) + ": " + m.Headers[name] + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return []byte(b.String())
}

// canonicalName restores conventional header casing from the lower-cased
// storage form ("message-id" -> "Message-ID").
func canonicalName(name string) string {
	switch name {
	case "message-id":
		return "Message-ID"
	case "mime-version":
		return "MIME-Version"
	case "dkim-signature":
		return "DKIM-Signature"
	}
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

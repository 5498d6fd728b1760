package parser

import (
	"net/mail"
	"strings"

	"github.com/shineum/mailpipe/internal/email"
)

// extractBodies walks the tree depth-first and keeps the first text/plain and
// the first text/html leaf that is not an attachment.
func extractBodies(root *Part) (text, html string) {
	var foundText, foundHTML bool

	var walk func(p *Part)
	walk = func(p *Part) {
		if foundText && foundHTML {
			return
		}
		if p.IsMultipart() {
			for _, child := range p.Parts {
				walk(child)
			}
			return
		}
		if p.IsAttachment() || p.IsInline() {
			return
		}

		switch p.ContentType.MediaType {
		case "text/plain":
			if !foundText {
				text, foundText = p.Text(), true
			}
		case "text/html":
			if !foundHTML {
				html, foundHTML = p.Text(), true
			}
		}
	}
	walk(root)

	return text, html
}

// walkLeaves calls fn for every leaf part in document order.
func walkLeaves(p *Part, fn func(*Part)) {
	if p.IsMultipart() {
		for _, child := range p.Parts {
			walkLeaves(child, fn)
		}
		return
	}
	fn(p)
}

// Attachments returns the regular attachments of the message.
func (m *Message) Attachments() []*Part {
	var out []*Part
	walkLeaves(m.Root, func(p *Part) {
		if p.IsAttachment() {
			out = append(out, p)
		}
	})
	return out
}

// InlineAttachments returns the parts referenced inline, typically images
// addressed by content id from the HTML body.
func (m *Message) InlineAttachments() []*Part {
	var out []*Part
	walkLeaves(m.Root, func(p *Part) {
		if p.IsInline() {
			out = append(out, p)
		}
	})
	return out
}

// DisplayBody returns the HTML body when present, otherwise the text body.
func (m *Message) DisplayBody() string {
	if m.HTML != "" {
		return m.HTML
	}
	return m.Text
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	return m.Header.Get("Subject")
}

// ToEmail converts the parsed message into the provider-facing model. Header
// From/To fall back to the envelope; envelope recipients that appear in
// neither To nor Cc become Bcc so providers deliver to the full envelope.
func (m *Message) ToEmail(env email.Envelope, raw []byte) *email.Email {
	result := &email.Email{
		RawHeaders: make(map[string][]string, len(m.Header)),
		Subject:    m.Subject(),
		MessageID:  m.Header.Get("Message-Id"),
		TextBody:   m.Text,
		HtmlBody:   m.HTML,
		Raw:        raw,
	}

	for key, values := range m.Header {
		result.RawHeaders[key] = append([]string(nil), values...)
	}

	result.From = m.Header.Get("From")
	if result.From == "" {
		result.From = env.From
	}
	result.To = parseAddressList(m.Header.Get("To"))
	result.Cc = parseAddressList(m.Header.Get("Cc"))
	if len(result.To) == 0 && len(result.Cc) == 0 {
		result.To = append([]string(nil), env.To...)
	} else {
		result.Bcc = hiddenRecipients(env.To, result.To, result.Cc)
	}

	for _, p := range m.Attachments() {
		result.Attachments = append(result.Attachments, toAttachment(p, false))
	}
	for _, p := range m.InlineAttachments() {
		result.Attachments = append(result.Attachments, toAttachment(p, true))
	}

	return result
}

func toAttachment(p *Part, inline bool) email.Attachment {
	filename := p.Filename
	if filename == "" {
		// Graph API requires a name on every attachment
		filename = "attachment"
		if sub := p.ContentType.Subtype(); sub != "" {
			filename += "." + sub
		}
	}
	return email.Attachment{
		Filename:    filename,
		ContentType: p.ContentType.MediaType,
		Content:     p.Body,
		ContentID:   p.ContentID,
		Inline:      inline,
	}
}

// hiddenRecipients returns envelope recipients missing from the visible lists.
func hiddenRecipients(envelope []string, visible ...[]string) []string {
	seen := make(map[string]bool)
	for _, list := range visible {
		for _, addr := range list {
			seen[strings.ToLower(addr)] = true
		}
	}

	var hidden []string
	for _, addr := range envelope {
		if !seen[strings.ToLower(addr)] {
			hidden = append(hidden, addr)
		}
	}
	return hidden
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

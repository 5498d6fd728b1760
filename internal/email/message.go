// Package email defines the core email data model used throughout the pipeline.
package email

// Email represents a parsed email message ready to be handed to a delivery
// provider.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string

	// Raw is the original RFC 5322 message. Providers that submit raw MIME
	// (SES raw content, Gmail) prefer it over rebuilding the message.
	Raw []byte `json:"-"`
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte

	// ContentID is set for inline attachments referenced from the HTML body.
	ContentID string `json:",omitempty"`
	Inline    bool   `json:",omitempty"`
}

// Envelope is the SMTP envelope of a submission: the reverse-path and the
// forward-paths, independent of the From/To headers of the message.
type Envelope struct {
	// From is the MAIL FROM address. Empty means the null sender <>.
	From string `json:"from"`

	// To holds the RCPT TO addresses.
	To []string `json:"to"`
}

// DisplayBody returns the body a reader would see: HTML when present,
// otherwise plain text.
func (e *Email) DisplayBody() string {
	if e.HtmlBody != "" {
		return e.HtmlBody
	}
	return e.TextBody
}

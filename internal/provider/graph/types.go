// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"encoding/base64"

	"github.com/shineum/mailpipe/internal/email"
)

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject           string            `json:"subject"`
	Body              messageBody       `json:"body"`
	ToRecipients      []recipient       `json:"toRecipients"`
	CcRecipients      []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients     []recipient       `json:"bccRecipients,omitempty"`
	InternetMessageID string            `json:"internetMessageId,omitempty"`
	Attachments       []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func recipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return out
}

// buildSendMailRequest converts an email.Email into a sendMail request body.
func buildSendMailRequest(msg *email.Email, saveToSentItems bool) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.TextBody,
	}
	if msg.HtmlBody != "" {
		body.ContentType = "html"
		body.Content = msg.HtmlBody
	}

	toRecipients := recipients(msg.To)
	if toRecipients == nil {
		toRecipients = []recipient{}
	}

	var attachments []graphAttachment
	for _, att := range msg.Attachments {
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			ContentID:    att.ContentID,
			IsInline:     att.Inline,
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:           msg.Subject,
			Body:              body,
			ToRecipients:      toRecipients,
			CcRecipients:      recipients(msg.Cc),
			BccRecipients:     recipients(msg.Bcc),
			InternetMessageID: msg.MessageID,
			Attachments:       attachments,
		},
		SaveToSentItems: saveToSentItems,
	}
}

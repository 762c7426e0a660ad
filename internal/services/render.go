package services

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

type Attachment struct {
	URL         string `json:"url" binding:"required"`
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
	Size        uint64 `json:"size"`
}

// Message 用户发布的一条消息；附件只以链接形式转发
type Message struct {
	AuthorDisplayName string       `json:"author_display_name"`
	AuthorAvatarURL   string       `json:"author_avatar_url"`
	Text              string       `json:"text"`
	Attachments       []Attachment `json:"attachments"`
}

func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

// RenderContent returns the body followed by one line per attachment, in order:
//
//	<filename> (<size>, <content type>) <url>
func RenderContent(m Message) string {
	var b strings.Builder
	b.WriteString(m.Text)
	for _, a := range m.Attachments {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "unknown type"
		}
		fmt.Fprintf(&b, "%s (%s, %s) %s", a.Filename, humanize.IBytes(a.Size), contentType, a.URL)
	}
	return b.String()
}

package lark

import (
	"encoding/json"
	"time"
)

const thinkingNote = "Thinking, please wait..."

type cardElement struct {
	Tag       string        `json:"tag"`
	Content   string        `json:"content,omitempty"`
	TextAlign string        `json:"text_align,omitempty"`
	Elements  []cardElement `json:"elements,omitempty"`
}

type card struct {
	Elements []cardElement `json:"elements"`
}

// BuildCard renders the interactive card used for streamed replies: a
// markdown body plus a note line. While streaming the note reads a waiting
// hint; on the final update it carries the usage trailer and completion
// time.
func BuildCard(content, trailer string, final bool, now time.Time) string {
	note := thinkingNote
	if final {
		if trailer != "" {
			note = trailer
		}
		note += now.UTC().Format("2006-01-02 15:04:05")
	}
	c := card{
		Elements: []cardElement{
			{Tag: "markdown", Content: content, TextAlign: "left"},
			{Tag: "note", Elements: []cardElement{{Tag: "plain_text", Content: note}}},
		},
	}
	raw, _ := json.Marshal(c)
	return string(raw)
}

// PendingCard is the initial acknowledgement placeholder.
func PendingCard() string {
	return BuildCard("...", "", false, time.Time{})
}

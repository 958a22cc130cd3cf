package models

// AttachmentKind groups attachment media types by how they can be displayed.
type AttachmentKind string

const (
	// KindImage attachments can be shown inline.
	KindImage AttachmentKind = "image"
	// KindMedia attachments are playable audio or video.
	KindMedia AttachmentKind = "media"
	// KindFile attachments are offered as downloads only.
	KindFile AttachmentKind = "file"
)

// AttachmentRef is the file reference embedded in a message's text payload.
type AttachmentRef struct {
	Filename string `json:"filename"`
	Address  string `json:"address"`
}

// Attachment is a resolved AttachmentRef ready for display.
type Attachment struct {
	AttachmentRef
	URL       string         `json:"url"`
	MediaType string         `json:"media_type"`
	Kind      AttachmentKind `json:"kind"`
	Size      int64          `json:"size"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
}

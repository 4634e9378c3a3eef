package model

// RawMessage is a message fetched from a mailbox, addressed by its server UID.
// UIDs are unique within one mailbox only.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// Kind is the allow-listed content kind of an attachment.
type Kind string

const (
	KindDocument Kind = "document"
	KindImage    Kind = "image"
)

// Ext returns the canonical file extension for the kind.
func (k Kind) Ext() string {
	switch k {
	case KindDocument:
		return ".pdf"
	case KindImage:
		return ".png"
	}
	return ""
}

// Attachment is a qualifying part extracted from a RawMessage.
type Attachment struct {
	Filename string
	Data     []byte
	Kind     Kind
}

// Target is a chat identity (a person or a group) that receives deliveries.
type Target int64

package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type AttachmentType string

const (
	AttachmentTypeImage      AttachmentType = "image"
	AttachmentTypeText       AttachmentType = "text"
	AttachmentTypeAudio      AttachmentType = "audio"
	AttachmentTypePDF        AttachmentType = "pdf"
	AttachmentTypeLegacyText AttachmentType = "legacy-text"
)

// Attachment is a tagged union identified by its AttachmentType. Attachments
// are immutable once attached to a message; editing a message with new
// attachments replaces the whole list.
type Attachment interface {
	AttachmentType() AttachmentType
	DisplayName() string
}

// ImageAttachment carries a base64-encoded image payload.
type ImageAttachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

func (a *ImageAttachment) AttachmentType() AttachmentType { return AttachmentTypeImage }
func (a *ImageAttachment) DisplayName() string            { return a.Name }

// DataURI returns the payload as a data: URI suitable for multi-part request
// content.
func (a *ImageAttachment) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", a.MediaType, a.Data)
}

// TextAttachment carries the verbatim content of an attached text file.
type TextAttachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (a *TextAttachment) AttachmentType() AttachmentType { return AttachmentTypeText }
func (a *TextAttachment) DisplayName() string            { return a.Name }

// AudioAttachment carries a base64-encoded audio payload.
type AudioAttachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

func (a *AudioAttachment) AttachmentType() AttachmentType { return AttachmentTypeAudio }
func (a *AudioAttachment) DisplayName() string            { return a.Name }

// PDFAttachment carries the text extracted from an attached document.
type PDFAttachment struct {
	Name      string `json:"name"`
	Text      string `json:"text"`
	PageCount int    `json:"pageCount,omitempty"`
}

func (a *PDFAttachment) AttachmentType() AttachmentType { return AttachmentTypePDF }
func (a *PDFAttachment) DisplayName() string            { return a.Name }

// LegacyTextAttachment is the pre-multipart text attachment format, kept so
// old exports import cleanly.
type LegacyTextAttachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (a *LegacyTextAttachment) AttachmentType() AttachmentType { return AttachmentTypeLegacyText }
func (a *LegacyTextAttachment) DisplayName() string            { return a.Name }

var (
	_ Attachment = (*ImageAttachment)(nil)
	_ Attachment = (*TextAttachment)(nil)
	_ Attachment = (*AudioAttachment)(nil)
	_ Attachment = (*PDFAttachment)(nil)
	_ Attachment = (*LegacyTextAttachment)(nil)
)

// AttachmentList marshals each attachment with a `type` discriminator and
// dispatches on it when unmarshaling.
type AttachmentList []Attachment

type attachmentEnvelope struct {
	Type AttachmentType `json:"type"`
}

func (l AttachmentList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, a := range l {
		body, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		tagged, err := json.Marshal(attachmentEnvelope{Type: a.AttachmentType()})
		if err != nil {
			return nil, err
		}
		// splice the type tag into the variant's own object
		merged, err := mergeJSONObjects(tagged, body)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return json.Marshal(out)
}

func (l *AttachmentList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	ret := make(AttachmentList, 0, len(raws))
	for _, raw := range raws {
		var env attachmentEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}

		var (
			a   Attachment
			err error
		)
		switch env.Type {
		case AttachmentTypeImage:
			v := &ImageAttachment{}
			err = json.Unmarshal(raw, v)
			a = v
		case AttachmentTypeText:
			v := &TextAttachment{}
			err = json.Unmarshal(raw, v)
			a = v
		case AttachmentTypeAudio:
			v := &AudioAttachment{}
			err = json.Unmarshal(raw, v)
			a = v
		case AttachmentTypePDF:
			v := &PDFAttachment{}
			err = json.Unmarshal(raw, v)
			a = v
		case AttachmentTypeLegacyText:
			v := &LegacyTextAttachment{}
			err = json.Unmarshal(raw, v)
			a = v
		default:
			return errors.Errorf("unknown attachment type %q", env.Type)
		}
		if err != nil {
			return err
		}
		ret = append(ret, a)
	}

	*l = ret
	return nil
}

func mergeJSONObjects(a, b json.RawMessage) (json.RawMessage, error) {
	var ma, mb map[string]json.RawMessage
	if err := json.Unmarshal(a, &ma); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &mb); err != nil {
		return nil, err
	}
	for k, v := range mb {
		ma[k] = v
	}
	return json.Marshal(ma)
}

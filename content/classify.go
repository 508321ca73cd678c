// Package content classifies and parses raw message content and memoizes the
// parsed result per message version.
package content

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"chatsync/models"
)

// Kind is the classification of a raw content string.
type Kind int

const (
	// KindLegacy is free text (or JSON of an unknown shape) rendered verbatim.
	KindLegacy Kind = iota
	// KindPlain is a JSON body with text and/or files.
	KindPlain
	// KindEncrypted is a JSON envelope carrying a ciphertext field.
	KindEncrypted
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindEncrypted:
		return "encrypted"
	default:
		return "legacy"
	}
}

// Classified is the result of classifying raw content.
type Classified struct {
	Kind     Kind
	Body     models.Body
	Envelope models.Envelope
}

// Classify inspects raw content. It never fails: anything that is not a
// recognizable JSON object is legacy text.
func Classify(raw string) Classified {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Classified{Kind: KindLegacy}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Classified{Kind: KindLegacy}
	}

	if _, ok := fields["ciphertext"]; ok {
		var envelope models.Envelope
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			// Ciphertext present but other fields malformed; the decryptor reports the failure.
			envelope = models.Envelope{}
			_ = json.Unmarshal(fields["ciphertext"], &envelope.Ciphertext)
		}
		return Classified{Kind: KindEncrypted, Envelope: envelope}
	}

	_, hasText := fields["text"]
	_, hasFiles := fields["files"]
	if !hasText && !hasFiles {
		return Classified{Kind: KindLegacy}
	}

	body, ok := ParseBody(trimmed)
	if !ok {
		return Classified{Kind: KindLegacy}
	}
	return Classified{Kind: KindPlain, Body: body}
}

// ParseBody decodes a plaintext body. Fields of the wrong type are dropped
// individually rather than failing the whole body.
func ParseBody(raw string) (models.Body, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return models.Body{}, false
	}

	var body models.Body
	if rawText, ok := fields["text"]; ok {
		_ = json.Unmarshal(rawText, &body.Text)
	}
	if rawFiles, ok := fields["files"]; ok {
		var elements []json.RawMessage
		if err := json.Unmarshal(rawFiles, &elements); err == nil {
			for _, element := range elements {
				var ref models.FileRef
				if err := json.Unmarshal(element, &ref); err != nil {
					continue
				}
				if ref.FileName == "" && ref.UniqueFileName == "" {
					continue
				}
				body.Files = append(body.Files, ref)
			}
		}
	}
	return body, true
}

var extensionTypes = map[string]string{
	".jpg":  "image",
	".jpeg": "image",
	".png":  "image",
	".gif":  "image",
	".webp": "image",
	".bmp":  "image",
	".svg":  "image",
	".heic": "image",
	".mp4":  "video",
	".mov":  "video",
	".webm": "video",
	".mkv":  "video",
	".avi":  "video",
	".mp3":  "audio",
	".wav":  "audio",
	".ogg":  "audio",
	".m4a":  "audio",
	".flac": "audio",
	".pdf":  "document",
	".doc":  "document",
	".docx": "document",
	".xls":  "document",
	".xlsx": "document",
	".ppt":  "document",
	".pptx": "document",
	".txt":  "document",
}

// InferType returns the attachment category from an explicit MIME type when
// present, otherwise from the file extension.
func InferType(fileName, mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime != "" {
		major, _, _ := strings.Cut(mime, "/")
		switch major {
		case "image", "video", "audio":
			return major
		case "application", "text":
			return "document"
		}
	}

	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(fileName))]; ok {
		return t
	}
	return "file"
}

// Package domain kind.go describes how opened plaintext is interpreted.
package domain

// KindTag distinguishes text secrets from file secrets.
type KindTag uint8

const (
	KindText KindTag = iota + 1
	KindFile
)

func (t KindTag) String() string {
	switch t {
	case KindText:
		return "text"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// ParseKindTag is the inverse of KindTag.String.
func ParseKindTag(s string) (KindTag, bool) {
	switch s {
	case "text":
		return KindText, true
	case "file":
		return KindFile, true
	default:
		return 0, false
	}
}

// Kind is the Text | File{filename?, content_type?} variant stored in clear
// next to the envelope. Filename and ContentType are empty when absent and
// always empty for text.
type Kind struct {
	Tag         KindTag
	Filename    string
	ContentType string
}

// Text returns the text variant.
func Text() Kind { return Kind{Tag: KindText} }

// File returns the file variant; empty strings mean "not provided".
func File(filename, contentType string) Kind {
	return Kind{Tag: KindFile, Filename: filename, ContentType: contentType}
}

// IsFile reports whether the payload is an opaque binary blob.
func (k Kind) IsFile() bool { return k.Tag == KindFile }

// Valid reports whether k is a well-formed variant.
func (k Kind) Valid() bool {
	switch k.Tag {
	case KindText:
		return k.Filename == "" && k.ContentType == ""
	case KindFile:
		return true
	default:
		return false
	}
}

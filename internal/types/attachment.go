package types

// AttachmentKind discriminates the attachment variants accepted on a chat
// turn. The set is closed; handlers switch exhaustively.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is a tagged variant: exactly one kind, raw bytes, and the
// declared media type. Name is only meaningful for documents.
type Attachment struct {
	Kind      AttachmentKind
	Bytes     []byte
	MediaType string
	Name      string
}

// imageMediaTypes are the raster formats the vision model accepts directly.
var imageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

// IsImageMediaType reports whether mt is a supported raster image type.
func IsImageMediaType(mt string) bool { return imageMediaTypes[mt] }

// IsPDFMediaType reports whether mt is a PDF.
func IsPDFMediaType(mt string) bool { return mt == "application/pdf" }

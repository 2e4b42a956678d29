package brain

import (
	"bytes"
	"image/png"

	"github.com/gen2brain/go-fitz"

	"studymate/internal/types"
)

// renderPDFPages rasterizes every page of a PDF to a PNG at the given DPI.
// Unreadable documents are a BadMaterial error, not an internal one: the
// bytes came from a user upload.
func renderPDFPages(data []byte, dpi int) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, types.Wrap(types.KindBadMaterial, "unreadable PDF", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, types.E(types.KindBadMaterial, "PDF has no pages")
	}

	pages := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.ImageDPI(i, float64(dpi))
		if err != nil {
			return nil, types.Wrap(types.KindBadMaterial, "failed to render PDF page", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, types.Internal("failed to encode page image", err)
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}

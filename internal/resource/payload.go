package resource

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// PayloadKind selects how a fetched body is materialized before it is
// attached to an added or modified event.
type PayloadKind string

const (
	// PayloadText keeps the body as a string, whatever its encoding. It is
	// the default.
	PayloadText PayloadKind = "text"
	// PayloadSVG keeps the body as text after checking that the document
	// root is an <svg> element.
	PayloadSVG PayloadKind = "svg"
	// PayloadImage decodes the body into an image.Image (PNG, JPEG, GIF,
	// BMP, WebP).
	PayloadImage PayloadKind = "image"
	// PayloadVideo keeps the body as raw bytes.
	PayloadVideo PayloadKind = "video"
	// PayloadBinary keeps the body as raw bytes.
	PayloadBinary PayloadKind = "binary"
)

// Payload is the materialized content of a fetch.
type Payload struct {
	Kind        PayloadKind
	ContentType string

	// Text is set for text and svg payloads.
	Text string
	// Data holds the raw body for every kind.
	Data []byte
	// Image and Format are set for image payloads.
	Image  image.Image
	Format string
}

// Size returns the body length in bytes.
func (p *Payload) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

// Decoder turns a raw body into a Payload. contentType is the response
// Content-Type header and may be empty.
type Decoder func(body []byte, contentType string) (*Payload, error)

var (
	// ErrUnknownPayloadKind is returned by Materialize for a kind that has no
	// registered decoder.
	ErrUnknownPayloadKind = errors.New("resource: unknown payload kind")

	// ErrNotSVG is returned when an svg payload has a different root element.
	ErrNotSVG = errors.New("resource: body is not an SVG document")
)

var (
	decodersMu sync.RWMutex
	decoders   = map[PayloadKind]Decoder{
		PayloadText:   decodeText,
		PayloadSVG:    decodeSVG,
		PayloadImage:  decodeImage,
		PayloadVideo:  rawDecoder(PayloadVideo),
		PayloadBinary: rawDecoder(PayloadBinary),
	}
)

// RegisterPayloadKind installs dec for kind, replacing any existing decoder.
func RegisterPayloadKind(kind PayloadKind, dec Decoder) {
	if kind == "" || dec == nil {
		return
	}
	decodersMu.Lock()
	decoders[kind] = dec
	decodersMu.Unlock()
}

// KnownPayloadKind reports whether kind has a registered decoder. The empty
// kind is known and means PayloadText.
func KnownPayloadKind(kind PayloadKind) bool {
	if kind == "" {
		return true
	}
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	_, ok := decoders[kind]
	return ok
}

// Materialize decodes body according to kind. An empty kind selects
// PayloadText.
func Materialize(kind PayloadKind, body []byte, contentType string) (*Payload, error) {
	if kind == "" {
		kind = PayloadText
	}
	decodersMu.RLock()
	dec, ok := decoders[kind]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadKind, kind)
	}
	p, err := dec(body, contentType)
	if err != nil {
		return nil, err
	}
	if p.Kind == "" {
		p.Kind = kind
	}
	if p.ContentType == "" {
		p.ContentType = contentType
	}
	return p, nil
}

// decodeText never fails. Bytes that are not UTF-8 (Latin-1 files, for
// instance) are replaced with U+FFFD in Text; Data keeps them verbatim.
func decodeText(body []byte, contentType string) (*Payload, error) {
	return &Payload{Kind: PayloadText, ContentType: contentType, Text: strings.ToValidUTF8(string(body), "\uFFFD"), Data: body}, nil
}

func decodeSVG(body []byte, contentType string) (*Payload, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, ErrNotSVG
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotSVG, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != "svg" {
				return nil, ErrNotSVG
			}
			break
		}
	}
	return &Payload{Kind: PayloadSVG, ContentType: contentType, Text: string(body), Data: body}, nil
}

func decodeImage(body []byte, contentType string) (*Payload, error) {
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("resource: decode image: %w", err)
	}
	return &Payload{Kind: PayloadImage, ContentType: contentType, Data: body, Image: img, Format: format}, nil
}

func rawDecoder(kind PayloadKind) Decoder {
	return func(body []byte, contentType string) (*Payload, error) {
		return &Payload{Kind: kind, ContentType: contentType, Data: body}, nil
	}
}

package resource_test

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotewatch/agent/internal/resource"
)

// ---------------------------------------------------------------------------
// Event kinds
// ---------------------------------------------------------------------------

func TestEventKind_StringRoundTrip(t *testing.T) {
	for _, k := range resource.Kinds() {
		got, err := resource.ParseEventKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := resource.ParseEventKind("touched")
	assert.Error(t, err)
	assert.False(t, resource.EventKind(0).Valid())
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

func TestEmit_DeliversInSubscriptionOrder(t *testing.T) {
	r := resource.New("/a.txt")

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		r.Subscribe(resource.EventModified, func(resource.Event) { order = append(order, i) })
	}
	r.Subscribe(resource.EventRemoved, func(resource.Event) { order = append(order, 99) })

	r.Emit(resource.Event{Kind: resource.EventModified})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEmit_SnapshotExcludesObserversAddedDuringDelivery(t *testing.T) {
	r := resource.New("/a.txt")

	lateCalls := 0
	r.Subscribe(resource.EventAdded, func(resource.Event) {
		r.Subscribe(resource.EventAdded, func(resource.Event) { lateCalls++ })
	})

	r.Emit(resource.Event{Kind: resource.EventAdded})
	assert.Equal(t, 0, lateCalls, "observer added during delivery must not see that emission")

	r.Emit(resource.Event{Kind: resource.EventAdded})
	assert.Equal(t, 1, lateCalls)
}

func TestEmit_FillsIdentifier(t *testing.T) {
	r := resource.New("https://example.com/x")

	var got resource.Event
	r.Subscribe(resource.EventInvalid, func(e resource.Event) { got = e })
	r.Emit(resource.Event{Kind: resource.EventInvalid, Reason: "bad header"})

	assert.Equal(t, "https://example.com/x", got.Identifier)
	assert.Equal(t, "bad header", got.Reason)
}

func TestSubscribe_IgnoresNilAndUnknownKinds(t *testing.T) {
	r := resource.New("/a.txt")
	r.Subscribe(resource.EventAdded, nil)
	r.Subscribe(resource.EventKind(42), func(resource.Event) {})

	assert.False(t, r.HasObservers(resource.EventAdded))
	assert.False(t, r.HasObservers(resource.EventKind(42)))
}

// ---------------------------------------------------------------------------
// Timestamps
// ---------------------------------------------------------------------------

func TestAdvance_ShiftsOnlyOnNewerTimestamp(t *testing.T) {
	r := resource.New("/a.txt")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	r.Seed(t0)
	prev, cur := r.LastModified()
	assert.True(t, prev.IsZero())
	assert.Equal(t, t0, cur)

	assert.False(t, r.Advance(t0), "equal timestamp is not a modification")
	assert.False(t, r.Advance(t0.Add(-time.Hour)), "older timestamp is ignored")

	assert.True(t, r.Advance(t1))
	prev, cur = r.LastModified()
	assert.Equal(t, t0, prev)
	assert.Equal(t, t1, cur)

	r.Reset()
	prev, cur = r.LastModified()
	assert.True(t, prev.IsZero())
	assert.True(t, cur.IsZero())
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

func TestMaterialize_DefaultsToText(t *testing.T) {
	p, err := resource.Materialize("", []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, resource.PayloadText, p.Kind)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, 5, p.Size())
}

func TestMaterialize_TextAcceptsNonUTF8(t *testing.T) {
	latin1 := []byte("caf\xe9")
	p, err := resource.Materialize(resource.PayloadText, latin1, "text/plain; charset=iso-8859-1")
	require.NoError(t, err)
	assert.Equal(t, latin1, p.Data, "raw bytes are kept")
	assert.Equal(t, "caf\uFFFD", p.Text)
	assert.Equal(t, 4, p.Size())
}

func TestMaterialize_SVG(t *testing.T) {
	doc := `<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"><rect/></svg>`
	p, err := resource.Materialize(resource.PayloadSVG, []byte(doc), "image/svg+xml")
	require.NoError(t, err)
	assert.Equal(t, doc, p.Text)

	_, err = resource.Materialize(resource.PayloadSVG, []byte(`<html></html>`), "")
	assert.ErrorIs(t, err, resource.ErrNotSVG)
}

func TestMaterialize_Image(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	p, err := resource.Materialize(resource.PayloadImage, buf.Bytes(), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "png", p.Format)
	assert.Equal(t, image.Rect(0, 0, 3, 2), p.Image.Bounds())

	_, err = resource.Materialize(resource.PayloadImage, []byte("not an image"), "")
	assert.Error(t, err)
}

func TestMaterialize_UnknownKind(t *testing.T) {
	_, err := resource.Materialize("hologram", []byte("x"), "")
	assert.ErrorIs(t, err, resource.ErrUnknownPayloadKind)
	assert.False(t, resource.KnownPayloadKind("hologram"))
}

func TestRegisterPayloadKind_Extends(t *testing.T) {
	resource.RegisterPayloadKind("upper", func(body []byte, ct string) (*resource.Payload, error) {
		return &resource.Payload{Text: string(bytes.ToUpper(body)), Data: body}, nil
	})

	p, err := resource.Materialize("upper", []byte("abc"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, resource.PayloadKind("upper"), p.Kind)
	assert.Equal(t, "ABC", p.Text)
	assert.Equal(t, "text/plain", p.ContentType)
}

package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"

	"secura/contentstore"
	"secura/models"
)

func TestParseAttachment(t *testing.T) {
	cases := []struct {
		text     string
		ok       bool
		filename string
		address  string
	}{
		{text: "[file] photo.png: bafkreiabc123", ok: true, filename: "photo.png", address: "bafkreiabc123"},
		{text: "[file]report final.pdf:bafkreixyz", ok: true, filename: "report final.pdf", address: "bafkreixyz"},
		{text: "[file] a_b.txt: bafkreiq trailing words", ok: true, filename: "a_b.txt", address: "bafkreiq"},
		{text: "hello [file] x: bafk", ok: false},
		{text: "[file] missing-address", ok: false},
		{text: "plain text", ok: false},
	}

	for _, tc := range cases {
		ref, ok := ParseAttachment(tc.text)
		if ok != tc.ok {
			t.Fatalf("%q: expected ok=%v", tc.text, tc.ok)
		}
		if !ok {
			continue
		}
		if ref.Filename != tc.filename || ref.Address != tc.address {
			t.Fatalf("%q: unexpected ref %+v", tc.text, ref)
		}
	}
}

func TestFormatAttachmentRoundTripsAwkwardNames(t *testing.T) {
	address := contentstore.ComputeAddress([]byte("blob"))
	names := map[string]string{
		"notes.txt":         "notes.txt",
		"time 10:30.txt":    "time 10_30.txt",
		"two\nlines.md":     "two_lines.md",
		"  padded.txt  ":    "padded.txt",
		"":                  "file",
		"c:\\windows\\x.ini": "c_\\windows\\x.ini",
	}

	for name, want := range names {
		text := FormatAttachment(name, address)
		ref, ok := ParseAttachment(text)
		if !ok {
			t.Fatalf("%q: formatted reference %q does not parse", name, text)
		}
		if ref.Filename != want || ref.Address != address {
			t.Fatalf("%q: unexpected ref %+v", name, ref)
		}
	}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDecoderDescribesImageOnce(t *testing.T) {
	store := newCountingStore()
	address := store.put(encodePNG(t, 3, 2))
	decoder := NewDecoder(store, 0, testLogger())
	ref := models.AttachmentRef{Filename: "dot.png", Address: address}

	first := decoder.Decode(context.Background(), ref)
	if first.State != StateResolved {
		t.Fatalf("expected resolved attachment, got %+v", first)
	}
	got := first.Attachment
	if got.Kind != models.KindImage || got.MediaType != "image/png" {
		t.Fatalf("unexpected classification %+v", got)
	}
	if got.Width != 3 || got.Height != 2 {
		t.Fatalf("unexpected dimensions %dx%d", got.Width, got.Height)
	}
	if got.URL != store.BlobURL(address) {
		t.Fatalf("unexpected url %q", got.URL)
	}

	renamed := decoder.Decode(context.Background(), models.AttachmentRef{Filename: "copy.png", Address: address})
	if renamed.Attachment.Filename != "copy.png" {
		t.Fatalf("expected per-reference filename, got %q", renamed.Attachment.Filename)
	}
	if n := store.blobGetCount(address); n != 1 {
		t.Fatalf("expected one blob fetch, got %d", n)
	}
	if !strings.Contains(first.Display(), "3x2") {
		t.Fatalf("expected dimensions in display, got %q", first.Display())
	}
}

func TestDecoderClassifiesByDeclaredAndSniffedType(t *testing.T) {
	store := newCountingStore()
	audio := store.put([]byte("not really audio"))
	store.mediaTypes[audio] = "audio/mpeg; charset=binary"
	text := store.put([]byte("plain words"))
	decoder := NewDecoder(store, 0, testLogger())

	if got := decoder.Decode(context.Background(), models.AttachmentRef{Filename: "a.mp3", Address: audio}); got.Attachment.Kind != models.KindMedia {
		t.Fatalf("expected media kind, got %+v", got.Attachment)
	}
	got := decoder.Decode(context.Background(), models.AttachmentRef{Filename: "n.txt", Address: text})
	if got.Attachment.Kind != models.KindFile || !strings.HasPrefix(got.Attachment.MediaType, "text/plain") {
		t.Fatalf("expected sniffed text file, got %+v", got.Attachment)
	}
}

func TestDecoderFailureIsCachedUntilCleared(t *testing.T) {
	store := newCountingStore()
	address := contentstore.ComputeAddress([]byte("later"))
	decoder := NewDecoder(store, 0, testLogger())
	ref := models.AttachmentRef{Filename: "later.bin", Address: address}

	first := decoder.Decode(context.Background(), ref)
	if first.State != StateFailed || !errors.Is(first.Err, contentstore.ErrNotFound) {
		t.Fatalf("expected not-found failure, got %+v", first)
	}
	if first.Display() != PlaceholderAttachmentUnavailable {
		t.Fatalf("unexpected placeholder %q", first.Display())
	}
	decoder.Decode(context.Background(), ref)
	if n := store.blobGetCount(address); n != 1 {
		t.Fatalf("expected cached failure, got %d fetches", n)
	}

	store.put([]byte("later"))
	decoder.ClearFailures()
	if got := decoder.Decode(context.Background(), ref); got.State != StateResolved {
		t.Fatalf("expected resolve after clear, got %+v", got)
	}
}

func TestDecoderRefusesWorkAfterClose(t *testing.T) {
	store := newCountingStore()
	address := store.put([]byte("blob"))
	decoder := NewDecoder(store, 0, testLogger())
	decoder.Close()

	got := decoder.Decode(context.Background(), models.AttachmentRef{Filename: "a.bin", Address: address})
	if got.State != StateFailed || !errors.Is(got.Err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %+v", got)
	}
	if n := store.blobGetCount(address); n != 0 {
		t.Fatalf("expected no blob fetch after Close, got %d", n)
	}
}

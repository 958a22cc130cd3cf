package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"secura/contentstore"
	"secura/models"
)

// PlaceholderAttachmentUnavailable is displayed for an attachment whose blob
// could not be fetched.
const PlaceholderAttachmentUnavailable = "[attachment unavailable]"

const (
	attachmentPrefix   = "[file]"
	defaultFilename    = "file"
	genericMediaType   = "application/octet-stream"
	attachmentSep      = ": "
	filenameReplaceSet = ":\r\n"
)

var attachmentPattern = regexp.MustCompile(`^\[file\]\s*(.+?):\s*([a-zA-Z0-9]+)`)

// ParseAttachment reports whether text is an attachment reference and
// returns the filename and blob address it names.
func ParseAttachment(text string) (models.AttachmentRef, bool) {
	match := attachmentPattern.FindStringSubmatch(text)
	if match == nil {
		return models.AttachmentRef{}, false
	}
	return models.AttachmentRef{
		Filename: strings.TrimSpace(match[1]),
		Address:  match[2],
	}, true
}

// FormatAttachment returns the text payload that references a stored blob.
func FormatAttachment(filename, address string) string {
	return attachmentPrefix + " " + SanitizeFilename(filename) + attachmentSep + address
}

// SanitizeFilename makes name safe to embed in an attachment reference.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(filenameReplaceSet, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultFilename
	}
	return name
}

// AttachmentResult is the outcome of resolving one attachment reference.
type AttachmentResult struct {
	State      ResolutionState
	Attachment models.Attachment
	Err        error
}

// Display returns a one-line description of the attachment.
func (r AttachmentResult) Display() string {
	switch r.State {
	case StateResolved:
		a := r.Attachment
		desc := fmt.Sprintf("[%s] %s (%s, %d bytes", a.Kind, a.Filename, a.MediaType, a.Size)
		if a.Width > 0 && a.Height > 0 {
			desc += fmt.Sprintf(", %dx%d", a.Width, a.Height)
		}
		return desc + ") " + a.URL
	case StateFailed:
		return PlaceholderAttachmentUnavailable
	default:
		return PlaceholderPending
	}
}

type blobInfo struct {
	url       string
	mediaType string
	kind      models.AttachmentKind
	size      int64
	width     int
	height    int
}

type decodeEntry struct {
	done chan struct{}
	info blobInfo
	err  error
}

// Decoder resolves attachment references into displayable attachments. Each
// blob address is fetched at most once per process.
type Decoder struct {
	fetcher contentstore.BlobFetcher
	timeout time.Duration
	log     zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	fills  sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	entries map[string]*decodeEntry
}

// NewDecoder returns a decoder that fetches blobs through fetcher.
func NewDecoder(fetcher contentstore.BlobFetcher, timeout time.Duration, log zerolog.Logger) *Decoder {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Decoder{
		base:    base,
		cancel:  cancel,
		fetcher: fetcher,
		timeout: timeout,
		log:     log,
		entries: make(map[string]*decodeEntry),
	}
}

// Decode returns the resolved attachment for ref. When ctx ends first the
// result is pending and the fetch continues in the background.
func (d *Decoder) Decode(ctx context.Context, ref models.AttachmentRef) AttachmentResult {
	entry := d.start(ref)
	select {
	case <-entry.done:
		return entry.result(ref)
	case <-ctx.Done():
		return AttachmentResult{State: StatePending, Attachment: models.Attachment{AttachmentRef: ref}}
	}
}

// ClearFailures drops failed blob entries. It returns the number dropped.
func (d *Decoder) ClearFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cleared := 0
	for address, entry := range d.entries {
		select {
		case <-entry.done:
			if entry.err != nil {
				delete(d.entries, address)
				cleared++
			}
		default:
		}
	}
	return cleared
}

// Close cancels in-flight blob fetches and waits for them to finish.
func (d *Decoder) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.fills.Wait()
}

func (d *Decoder) start(ref models.AttachmentRef) *decodeEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[ref.Address]; ok {
		return entry
	}
	entry := &decodeEntry{done: make(chan struct{})}
	if d.closed {
		entry.err = ErrClosed
		close(entry.done)
		return entry
	}
	d.entries[ref.Address] = entry

	d.fills.Add(1)
	go func() {
		defer d.fills.Done()
		d.fill(d.base, ref, entry)
	}()
	return entry
}

func (d *Decoder) fill(ctx context.Context, ref models.AttachmentRef, entry *decodeEntry) {
	defer close(entry.done)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	blob, err := d.fetcher.GetBlob(ctx, ref.Address)
	if err != nil {
		d.log.Debug().Err(err).Str("address", ref.Address).Msg("attachment fetch failed")
		entry.err = fmt.Errorf("fetch attachment %s: %w", ref.Address, err)
		return
	}
	entry.info = describeBlob(blob, ref.Filename)
	entry.info.url = d.fetcher.BlobURL(ref.Address)
}

func (e *decodeEntry) result(ref models.AttachmentRef) AttachmentResult {
	if e.err != nil {
		return AttachmentResult{
			State:      StateFailed,
			Attachment: models.Attachment{AttachmentRef: ref},
			Err:        e.err,
		}
	}
	return AttachmentResult{
		State: StateResolved,
		Attachment: models.Attachment{
			AttachmentRef: ref,
			URL:           e.info.url,
			MediaType:     e.info.mediaType,
			Kind:          e.info.kind,
			Size:          e.info.size,
			Width:         e.info.width,
			Height:        e.info.height,
		},
	}
}

func describeBlob(blob contentstore.Blob, filename string) blobInfo {
	mediaType := baseMediaType(blob.MediaType)
	if mediaType == "" || mediaType == genericMediaType {
		mediaType = baseMediaType(mimetype.Detect(blob.Data).String())
	}
	if mediaType == genericMediaType {
		if byExt := baseMediaType(mime.TypeByExtension(filepath.Ext(filename))); byExt != "" {
			mediaType = byExt
		}
	}

	info := blobInfo{
		mediaType: mediaType,
		kind:      kindOf(mediaType),
		size:      int64(len(blob.Data)),
	}
	if info.kind == models.KindImage {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(blob.Data)); err == nil {
			info.width, info.height = cfg.Width, cfg.Height
		}
	}
	return info
}

func baseMediaType(value string) string {
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return mediaType
}

func kindOf(mediaType string) models.AttachmentKind {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return models.KindImage
	case strings.HasPrefix(mediaType, "audio/"), strings.HasPrefix(mediaType, "video/"):
		return models.KindMedia
	default:
		return models.KindFile
	}
}

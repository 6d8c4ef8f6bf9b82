// Package attachment validates uploads and stages them in a blob store until
// the message carrying them is persisted or discarded.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"strings"
	"sync"

	"carelink/internal/models"
	"carelink/internal/observability"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Upload is a file offered for attachment.
type Upload struct {
	Name        string
	ContentType string // as declared by the client; informational only
	Data        []byte
}

// Limits bounds what may be staged.
type Limits struct {
	MaxBytes     int64
	AllowedTypes []string // exact MIME types or "type/*" wildcards
}

// DefaultLimits are used when no limits are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:     10 << 20,
		AllowedTypes: []string{"image/*", "application/pdf", "audio/*", "video/*", "text/plain"},
	}
}

// Handler stages uploads and tracks handles that are not yet bound to a message.
type Handler struct {
	blobs  BlobStore
	limits Limits

	mu     sync.Mutex
	staged map[string]string // handle -> room id
}

// NewHandler creates a handler with default limits.
func NewHandler(blobs BlobStore, limits Limits) *Handler {
	return &Handler{
		blobs:  blobs,
		limits: limits,
		staged: make(map[string]string),
	}
}

// Limits returns the handler's default limits.
func (h *Handler) Limits() Limits {
	return h.limits
}

// Stage validates one upload and writes it to the blob store. Nothing is
// written when validation fails.
func (h *Handler) Stage(ctx context.Context, roomID string, up Upload, limits Limits) (models.Attachment, error) {
	size := int64(len(up.Data))
	if limits.MaxBytes > 0 && size > limits.MaxBytes {
		observability.AttachmentsRejected.WithLabelValues("size").Inc()
		return models.Attachment{}, models.NewSizeExceededError(up.Name, size, limits.MaxBytes)
	}
	if size == 0 {
		observability.AttachmentsRejected.WithLabelValues("empty").Inc()
		return models.Attachment{}, models.NewValidationError(up.Name + " is empty")
	}

	detected := mimetype.Detect(up.Data)
	contentType := baseType(detected.String())
	if !typeAllowed(detected, limits.AllowedTypes) {
		observability.AttachmentsRejected.WithLabelValues("type").Inc()
		return models.Attachment{}, models.NewUnsupportedTypeError(up.Name, contentType)
	}

	kind := kindFor(contentType)
	if kind == models.AttachmentKindImage {
		if _, _, err := image.DecodeConfig(bytes.NewReader(up.Data)); err != nil {
			observability.AttachmentsRejected.WithLabelValues("corrupt").Inc()
			return models.Attachment{}, &models.AppError{
				Code:    models.CodeUnsupportedType,
				Message: up.Name + " is not a readable image",
				Err:     err,
			}
		}
	}

	handle := roomID + "/" + uuid.NewString() + detected.Extension()
	url, err := h.blobs.Put(ctx, handle, bytes.NewReader(up.Data), size, contentType)
	if err != nil {
		return models.Attachment{}, models.NewInternalError(err)
	}

	h.mu.Lock()
	h.staged[handle] = roomID
	h.mu.Unlock()
	observability.AttachmentsStaged.WithLabelValues(string(kind)).Inc()

	name := up.Name
	if name == "" {
		name = "attachment" + detected.Extension()
	}
	return models.Attachment{
		Kind:   kind,
		URL:    url,
		Name:   name,
		Size:   size,
		Handle: handle,
	}, nil
}

// StageAll stages every upload or none: on the first failure the ones already
// staged are released.
func (h *Handler) StageAll(ctx context.Context, roomID string, uploads []Upload, limits Limits) ([]models.Attachment, error) {
	out := make([]models.Attachment, 0, len(uploads))
	for _, up := range uploads {
		att, err := h.Stage(ctx, roomID, up, limits)
		if err != nil {
			if relErr := h.Discard(ctx, out); relErr != nil {
				observability.Logger.WarnContext(ctx, "failed to release partial upload", "error", relErr)
			}
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

// Commit binds staged attachments to a persisted message; they are no longer
// released on teardown.
func (h *Handler) Commit(atts []models.Attachment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range atts {
		delete(h.staged, a.Handle)
	}
}

// Discard releases attachments whose message was never persisted.
func (h *Handler) Discard(ctx context.Context, atts []models.Attachment) error {
	handles := make([]string, 0, len(atts))
	h.mu.Lock()
	for _, a := range atts {
		if _, ok := h.staged[a.Handle]; ok {
			delete(h.staged, a.Handle)
			handles = append(handles, a.Handle)
		}
	}
	h.mu.Unlock()
	return h.release(ctx, handles)
}

// ReleaseRoom releases every staged-but-unsent handle of a room.
func (h *Handler) ReleaseRoom(ctx context.Context, roomID string) error {
	var handles []string
	h.mu.Lock()
	for handle, room := range h.staged {
		if room == roomID {
			delete(h.staged, handle)
			handles = append(handles, handle)
		}
	}
	h.mu.Unlock()
	return h.release(ctx, handles)
}

// ReleaseAll releases every staged-but-unsent handle.
func (h *Handler) ReleaseAll(ctx context.Context) error {
	h.mu.Lock()
	handles := make([]string, 0, len(h.staged))
	for handle := range h.staged {
		handles = append(handles, handle)
	}
	h.staged = make(map[string]string)
	h.mu.Unlock()
	return h.release(ctx, handles)
}

// Pending is the number of staged handles not yet committed or released.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.staged)
}

func (h *Handler) release(ctx context.Context, handles []string) error {
	var errs []error
	for _, handle := range handles {
		if err := h.blobs.Release(ctx, handle); err != nil {
			errs = append(errs, err)
			continue
		}
		observability.AttachmentsReleased.Inc()
	}
	return errors.Join(errs...)
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// typeAllowed matches the detected type against exact types and "type/*" wildcards.
func typeAllowed(detected *mimetype.MIME, allowed []string) bool {
	ct := baseType(detected.String())
	for _, pattern := range allowed {
		if strings.HasSuffix(pattern, "/*") {
			if strings.HasPrefix(ct, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if ct == pattern || detected.Is(pattern) {
			return true
		}
	}
	return false
}

func kindFor(contentType string) models.AttachmentKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.AttachmentKindImage
	case strings.HasPrefix(contentType, "audio/"):
		return models.AttachmentKindVoice
	case strings.HasPrefix(contentType, "video/"):
		return models.AttachmentKindVideo
	default:
		return models.AttachmentKindFile
	}
}

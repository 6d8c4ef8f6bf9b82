package attachment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"carelink/internal/models"
	"carelink/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLimits = Limits{
	MaxBytes:     1 << 20,
	AllowedTypes: []string{"image/*", "application/pdf", "audio/*", "video/*", "text/plain"},
}

func TestStage_Image(t *testing.T) {
	blobs := NewMemoryBlobStore("/attachments")
	h := NewHandler(blobs, defaultLimits)

	att, err := h.Stage(context.Background(), "ai", Upload{Name: "rash.png", Data: testutil.TinyPNG(t, 8, 8)}, defaultLimits)
	require.NoError(t, err)

	assert.Equal(t, models.AttachmentKindImage, att.Kind)
	assert.Equal(t, "rash.png", att.Name)
	assert.True(t, strings.HasPrefix(att.Handle, "ai/"))
	assert.True(t, strings.HasSuffix(att.Handle, ".png"))
	assert.Equal(t, "/attachments/"+att.Handle, att.URL)
	assert.Equal(t, 1, blobs.Len())
	assert.Equal(t, 1, h.Pending())
}

func TestStage_PDFIsAFile(t *testing.T) {
	h := NewHandler(NewMemoryBlobStore(""), defaultLimits)

	att, err := h.Stage(context.Background(), "dr", Upload{Name: "labs.pdf", Data: testutil.PDF()}, defaultLimits)
	require.NoError(t, err)
	assert.Equal(t, models.AttachmentKindFile, att.Kind)
}

func TestStage_RejectsOversizeWithoutWriting(t *testing.T) {
	blobs := NewMemoryBlobStore("")
	h := NewHandler(blobs, defaultLimits)
	limits := Limits{MaxBytes: 16, AllowedTypes: defaultLimits.AllowedTypes}

	_, err := h.Stage(context.Background(), "ai", Upload{Name: "big.png", Data: testutil.TinyPNG(t, 64, 64)}, limits)
	assert.True(t, errors.Is(err, models.ErrSizeExceeded))
	assert.Equal(t, 0, blobs.Len())
	assert.Equal(t, 0, h.Pending())
}

func TestStage_RejectsDisallowedType(t *testing.T) {
	blobs := NewMemoryBlobStore("")
	h := NewHandler(blobs, defaultLimits)

	exe := append([]byte("MZ"), make([]byte, 128)...)
	_, err := h.Stage(context.Background(), "ai", Upload{Name: "setup.exe", ContentType: "image/png", Data: exe}, defaultLimits)
	assert.True(t, errors.Is(err, models.ErrUnsupportedType), "declared type is not trusted")
	assert.Equal(t, 0, blobs.Len())
}

func TestStage_RejectsCorruptImage(t *testing.T) {
	h := NewHandler(NewMemoryBlobStore(""), defaultLimits)

	data := testutil.TinyPNG(t, 8, 8)[:24] // header survives, body does not
	_, err := h.Stage(context.Background(), "ai", Upload{Name: "broken.png", Data: data}, defaultLimits)
	assert.True(t, errors.Is(err, models.ErrUnsupportedType))
}

func TestStage_RejectsEmpty(t *testing.T) {
	h := NewHandler(NewMemoryBlobStore(""), defaultLimits)
	_, err := h.Stage(context.Background(), "ai", Upload{Name: "empty.txt"}, defaultLimits)
	assert.Equal(t, models.CodeValidation, models.ErrorCode(err))
}

func TestStage_BlobFailureIsInternal(t *testing.T) {
	h := NewHandler(testutil.FailingBlobStore{}, defaultLimits)
	_, err := h.Stage(context.Background(), "ai", Upload{Name: "a.pdf", Data: testutil.PDF()}, defaultLimits)
	assert.Equal(t, models.CodeInternal, models.ErrorCode(err))
	assert.Equal(t, 0, h.Pending())
}

func TestStageAll_IsAllOrNothing(t *testing.T) {
	blobs := NewMemoryBlobStore("")
	h := NewHandler(blobs, defaultLimits)

	uploads := []Upload{
		{Name: "a.png", Data: testutil.TinyPNG(t, 4, 4)},
		{Name: "b.pdf", Data: testutil.PDF()},
		{Name: "c.exe", Data: append([]byte("MZ"), make([]byte, 64)...)},
	}
	atts, err := h.StageAll(context.Background(), "ai", uploads, defaultLimits)
	assert.Error(t, err)
	assert.Nil(t, atts)
	assert.Equal(t, 0, blobs.Len(), "earlier uploads are released")
	assert.Equal(t, 0, h.Pending())
}

func TestCommitAndRelease(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore("")
	h := NewHandler(blobs, defaultLimits)

	sent, err := h.StageAll(ctx, "ai", []Upload{{Name: "a.pdf", Data: testutil.PDF()}}, defaultLimits)
	require.NoError(t, err)
	h.Commit(sent)

	_, err = h.Stage(ctx, "ai", Upload{Name: "b.pdf", Data: testutil.PDF()}, defaultLimits)
	require.NoError(t, err)
	_, err = h.Stage(ctx, "support", Upload{Name: "c.pdf", Data: testutil.PDF()}, defaultLimits)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Pending())

	require.NoError(t, h.ReleaseRoom(ctx, "ai"))
	assert.Equal(t, 1, h.Pending())
	assert.Equal(t, 2, blobs.Len(), "committed blob stays, released one is gone")

	require.NoError(t, h.ReleaseAll(ctx))
	assert.Equal(t, 0, h.Pending())
	assert.Equal(t, 1, blobs.Len())
	_, ok := blobs.Get(sent[0].Handle)
	assert.True(t, ok)
}

func TestDiscard_IgnoresCommitted(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore("")
	h := NewHandler(blobs, defaultLimits)

	atts, _ := h.StageAll(ctx, "ai", []Upload{{Name: "a.pdf", Data: testutil.PDF()}}, defaultLimits)
	h.Commit(atts)
	require.NoError(t, h.Discard(ctx, atts))
	assert.Equal(t, 1, blobs.Len())
}

func TestLocalBlobStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalBlobStore(dir, "/files")
	require.NoError(t, err)

	url, err := s.Put(ctx, "room/a.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "/files/room/a.txt", url)

	b, err := os.ReadFile(filepath.Join(dir, "room", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	entries, _ := os.ReadDir(filepath.Join(dir, "room"))
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, s.Release(ctx, "room/a.txt"))
	require.NoError(t, s.Release(ctx, "room/a.txt"), "releasing twice is fine")
	_, err = os.Stat(filepath.Join(dir, "room", "a.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = s.Put(ctx, "../escape.txt", strings.NewReader("x"), 1, "")
	assert.Error(t, err)
}

// Package testutil provides shared test doubles and fixtures for chat tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"sync"
	"time"

	"carelink/internal/models"
)

// TB is the subset of testing.TB the fixtures need.
type TB interface {
	Helper()
	Fatalf(string, ...any)
}

// TinyPNG returns an in-memory PNG byte slice with the requested dimensions.
func TinyPNG(t TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// PDF returns a minimal byte slice that sniffs as application/pdf.
func PDF() []byte {
	return []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
}

// CompleterFunc adapts a function to the completion service interface.
type CompleterFunc func(ctx context.Context, prompt, language string) (string, error)

// Generate calls f.
func (f CompleterFunc) Generate(ctx context.Context, prompt, language string) (string, error) {
	return f(ctx, prompt, language)
}

// StaticCompleter answers every prompt with reply after delay.
func StaticCompleter(reply string, delay time.Duration) CompleterFunc {
	return func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-time.After(delay):
			return reply, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// HangingCompleter blocks until the call's context is done.
func HangingCompleter() CompleterFunc {
	return func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// FailingCompleter always fails.
func FailingCompleter() CompleterFunc {
	return func(context.Context, string, string) (string, error) {
		return "", errors.New("completion service unavailable")
	}
}

// RecordingNotifier records every notification it receives.
type RecordingNotifier struct {
	mu    sync.Mutex
	sent  []models.Notification
	Err   error
	Delay time.Duration
}

// Notify records n and returns Err.
func (r *RecordingNotifier) Notify(_ context.Context, n models.Notification) error {
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// Sent returns a copy of the recorded notifications.
func (r *RecordingNotifier) Sent() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// FailingBlobStore accepts nothing.
type FailingBlobStore struct{}

// Put always fails.
func (FailingBlobStore) Put(context.Context, string, io.Reader, int64, string) (string, error) {
	return "", errors.New("blob store unavailable")
}

// Release always succeeds.
func (FailingBlobStore) Release(context.Context, string) error { return nil }

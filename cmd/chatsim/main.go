// Package main drives simulated patients through in-process chat sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"carelink/internal/ai"
	"carelink/internal/attachment"
	"carelink/internal/dispatcher"
	"carelink/internal/escalation"
	"carelink/internal/models"
	"carelink/internal/observability"
	"carelink/internal/registry"
	"carelink/internal/session"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/sync/errgroup"
)

// Metrics tracks the run results
type Metrics struct {
	Sessions   int64
	Sent       int64
	Failed     int64
	AIReplies  int64
	Emergency  int64
	Background int64
}

var metrics Metrics

var patientLines = []string{
	"I have a fever and headache since yesterday",
	"My cough keeps me up at night",
	"Can I book an appointment for next week?",
	"How often should I take my medication?",
	"I have a sore throat and feel tired",
	"Is it normal to feel dizzy after the new prescription?",
}

var emergencyLines = []string{
	"I have sudden chest pain",
	"My father collapsed and is breathing strangely",
}

func main() {
	sessions := flag.Int("sessions", 5, "Number of concurrent patient sessions")
	messages := flag.Int("messages", 4, "Messages sent by each patient")
	latency := flag.Duration("latency", 200*time.Millisecond, "Simulated assistant latency")
	emergencyRate := flag.Int("emergency-pct", 10, "Percent of patients who open an emergency room")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	gofakeit.Seed(*seed)

	rooms, err := registry.DefaultSeed()
	if err != nil {
		log.Fatalf("Failed to load room catalog: %v", err)
	}

	deps := session.Deps{
		Rooms:     rooms,
		Completer: ai.SimulatedCompleter{Latency: *latency},
		Ledger:    escalation.NewMemoryLedger(),
		Blobs:     attachment.NewMemoryBlobStore("/attachments"),
		Limits:    attachment.DefaultLimits(),
		Transport: dispatcher.SimulatedTransport{Delay: 20 * time.Millisecond},
		Sink: func(ev models.RoomEvent) {
			if ev.Background {
				atomic.AddInt64(&metrics.Background, 1)
			}
			if ev.Type == models.EventMessageAppended && ev.Message != nil && ev.Message.SenderType == models.RoleAI {
				atomic.AddInt64(&metrics.AIReplies, 1)
			}
		},
		EmergencyAckDelay: 100 * time.Millisecond,
	}
	mgr := session.NewManager(deps.Factory(), session.DefaultIdleTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *sessions; i++ {
		g.Go(func() error {
			return runPatient(gctx, mgr, i, *messages, gofakeit.Number(1, 100) <= *emergencyRate)
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("Simulation stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("Sessions closed with pending work: %v", err)
	}

	fmt.Printf("\nRun finished in %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  sessions:        %d\n", atomic.LoadInt64(&metrics.Sessions))
	fmt.Printf("  messages sent:   %d\n", atomic.LoadInt64(&metrics.Sent))
	fmt.Printf("  messages failed: %d\n", atomic.LoadInt64(&metrics.Failed))
	fmt.Printf("  ai replies:      %d\n", atomic.LoadInt64(&metrics.AIReplies))
	fmt.Printf("  emergencies:     %d\n", atomic.LoadInt64(&metrics.Emergency))
	fmt.Printf("  background evts: %d\n", atomic.LoadInt64(&metrics.Background))
}

func runPatient(ctx context.Context, mgr *session.Manager, n, count int, emergency bool) error {
	sessionID := fmt.Sprintf("sim-%d-%s", n, gofakeit.LetterN(6))
	profile := session.Profile{
		UserID:   "patient-" + gofakeit.UUID(),
		Name:     gofakeit.Name(),
		Language: gofakeit.RandomString([]string{"en", "en", "es", "fr"}),
	}
	d, err := mgr.Get(ctx, sessionID, profile)
	if err != nil {
		return err
	}
	atomic.AddInt64(&metrics.Sessions, 1)
	logCtx := observability.WithSessionID(ctx, sessionID)
	observability.Logger.InfoContext(logCtx, "patient joined", "name", profile.Name, "language", profile.Language)

	targets := []string{"ai-assistant", "ai-assistant", "dr-sarah-johnson", "support"}
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		roomID := gofakeit.RandomString(targets)
		if gofakeit.Bool() {
			_ = d.SetActiveRoom(roomID)
		}
		send(ctx, d, roomID, gofakeit.RandomString(patientLines))
		time.Sleep(time.Duration(gofakeit.Number(20, 120)) * time.Millisecond)
	}

	if emergency {
		room := d.CreateEmergencyRoom()
		atomic.AddInt64(&metrics.Emergency, 1)
		send(ctx, d, room.ID, gofakeit.RandomString(emergencyLines))
	}
	return nil
}

func send(ctx context.Context, d *dispatcher.Dispatcher, roomID, content string) {
	msg, err := d.SendMessage(ctx, dispatcher.SendInput{RoomID: roomID, Content: content})
	if err != nil || msg.Status == models.StatusError {
		atomic.AddInt64(&metrics.Failed, 1)
		return
	}
	atomic.AddInt64(&metrics.Sent, 1)
}

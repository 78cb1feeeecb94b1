// Command webcall is an interactive voice-call client. It registers a call
// with the backend, connects over WebSocket or WebRTC and prints the session
// as it changes. Bookings can be entered while a call is running.
//
// Commands: toggle (t), stop, status, book, bookings, quit (q).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/enesunal-m/webcall"
	"github.com/enesunal-m/webcall/booking"
	"github.com/enesunal-m/webcall/realtime"
	"github.com/enesunal-m/webcall/webrtc"
)

func main() {
	cfg, err := webcall.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := webcall.NewLoggerFromEnv()
	cfg.StructuredLogger = logger
	cfg.Breaker = webcall.NewCircuitBreaker(webcall.CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	})

	reg, err := webcall.NewRegistrar(cfg)
	if err != nil {
		log.Fatalf("registrar: %v", err)
	}

	remote, err := newTransport(logger)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	ctrl, err := webcall.NewController(cfg, reg, remote)
	if err != nil {
		log.Fatalf("controller: %v", err)
	}
	defer ctrl.Close()

	store, err := booking.OpenStore(env("WEBCALL_BOOKING_DB", "bookings.db"))
	if err != nil {
		log.Fatalf("booking store: %v", err)
	}
	defer store.Close()
	form := booking.NewForm(store)

	var (
		printMu sync.Mutex
		last    webcall.Snapshot
	)
	ctrl.OnChange(func(s webcall.Snapshot) {
		printMu.Lock()
		defer printMu.Unlock()
		if s.State != last.State {
			fmt.Printf("[%s]", s.State)
			if s.Err != nil {
				fmt.Printf(" %v", s.Err)
			}
			fmt.Println()
		}
		if len(s.Transcript) > 0 && (len(last.Transcript) == 0 || s.Transcript[len(s.Transcript)-1] != last.Transcript[len(last.Transcript)-1]) {
			u := s.Transcript[len(s.Transcript)-1]
			fmt.Printf("  %s: %s\n", u.Role, u.Content)
		}
		last = s
	})
	ctrl.OnMetadata(func(md json.RawMessage) { fmt.Printf("  metadata: %s\n", md) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("webcall ready; agent", cfg.AgentID, "- type 'toggle' to start a call")
	lines := make(chan string)
	in := bufio.NewScanner(os.Stdin)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !run(ctx, strings.TrimSpace(line), ctrl, form, store, lines) {
				return
			}
		}
	}
}

// run executes one command and reports whether the loop should continue.
func run(ctx context.Context, cmd string, ctrl *webcall.Controller, form *booking.Form, store *booking.Store, lines <-chan string) bool {
	switch cmd {
	case "":
	case "toggle", "t":
		go func() {
			if err := ctrl.Toggle(ctx); err != nil {
				fmt.Println("call failed:", err)
			}
		}()
	case "stop":
		ctrl.Stop()
	case "status":
		s := ctrl.Snapshot()
		fmt.Printf("state=%s session=%s speaking=%v utterances=%d\n", s.State, s.SessionID, s.Speaking, len(s.Transcript))
	case "book":
		b, ok := promptBooking(lines)
		if !ok {
			return false
		}
		rec, err := form.Submit(ctx, b)
		var verrs booking.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			for field, msg := range verrs {
				fmt.Printf("  %s: %s\n", field, msg)
			}
		case err != nil:
			fmt.Println("booking failed:", err)
		default:
			fmt.Println("booked", rec.ID)
		}
	case "bookings":
		recs, err := store.List(ctx)
		if err != nil {
			fmt.Println("list failed:", err)
			break
		}
		for _, r := range recs {
			fmt.Printf("%s %s %s %s %s@%s %s\n", r.ID, r.Name, r.Branch, r.Service, r.Date, r.Time, r.Remarks)
		}
	case "quit", "q", "exit":
		return false
	default:
		fmt.Println("commands: toggle (t), stop, status, book, bookings, quit (q)")
	}
	return true
}

func promptBooking(lines <-chan string) (booking.Booking, bool) {
	var b booking.Booking
	fields := []struct {
		label string
		dst   *string
	}{
		{"Name", &b.Name},
		{"Email", &b.Email},
		{"Mobile", &b.Mobile},
		{"Branch (" + strings.Join(booking.Branches, "/") + ")", &b.Branch},
		{"Service (" + strings.Join(booking.Services, "/") + ")", &b.Service},
		{"Hair length (" + strings.Join(booking.HairLengths, "/") + ")", &b.HairLength},
		{"Date (YYYY-MM-DD)", &b.Date},
		{"Time (" + strings.Join(booking.TimeSlots, "/") + ")", &b.Time},
		{"Remarks", &b.Remarks},
	}
	for _, f := range fields {
		fmt.Printf("%s: ", f.label)
		line, ok := <-lines
		if !ok {
			return b, false
		}
		*f.dst = line
	}
	return b, true
}

// newTransport picks the RemoteClient from WEBCALL_TRANSPORT ("ws" or "webrtc").
func newTransport(logger *webcall.Logger) (webcall.RemoteClient, error) {
	switch t := env("WEBCALL_TRANSPORT", "ws"); t {
	case "ws":
		return realtime.New(realtime.Config{
			Endpoint:         os.Getenv("WEBCALL_REALTIME_URL"),
			DialTimeout:      15 * time.Second,
			StructuredLogger: logger,
		})
	case "webrtc":
		return webrtc.New(webrtc.Config{
			SignalURL:        os.Getenv("WEBCALL_SIGNAL_URL"),
			StructuredLogger: logger,
			OnAudioRTP:       func(pkts uint64) { logger.Debug("audio_rtp", map[string]any{"packets": pkts}) },
		})
	default:
		return nil, fmt.Errorf("unknown WEBCALL_TRANSPORT %q", t)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

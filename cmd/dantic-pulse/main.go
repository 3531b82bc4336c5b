// Command dantic-pulse drives a haptic controller with fixed or random
// intensities to bench the actuator link without a camera.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/e7canasta/dantic/internal/actuator"
	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/logging"
)

func main() {
	envFile := flag.String("env", ".env", "Optional env file with DANTIC_ACTUATOR_* overrides")
	host := flag.String("host", "127.0.0.1", "Controller host")
	port := flag.Int("port", config.DefaultActuatorPort, "Controller UDP port")
	rate := flag.Float64("rate", 60, "Messages per second")
	left := flag.Int("left", actuator.MaxIntensity, "Left intensity (0-100)")
	right := flag.Int("right", actuator.MaxIntensity, "Right intensity (0-100)")
	random := flag.Bool("random", false, "Send random intensities instead of fixed values")
	count := flag.Int("count", 0, "Messages to send (0 = until interrupted)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	if _, err := logging.Setup(logging.Options{Level: level, Format: "text"}); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg := config.Config{}
	cfg.Actuator.Host, cfg.Actuator.Port = *host, *port
	if err := config.ApplyEnv(&cfg); err != nil {
		slog.Error("invalid environment override", "error", err)
		os.Exit(1)
	}
	if *rate <= 0 {
		slog.Error("rate must be > 0", "rate", *rate)
		os.Exit(1)
	}

	tx, err := actuator.DialUDP(actuator.UDPConfig{
		Host: cfg.Actuator.Host,
		Port: cfg.Actuator.Port,
	})
	if err != nil {
		slog.Error("failed to open actuator link", "error", err)
		os.Exit(1)
	}
	defer tx.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	next := func() actuator.Message {
		if *random {
			return actuator.Message{
				Left:  rand.Intn(actuator.MaxIntensity + 1),
				Right: rand.Intn(actuator.MaxIntensity + 1),
			}
		}
		return actuator.Message{Left: *left, Right: *right}
	}

	slog.Info("pulsing actuator",
		"addr", tx.Addr(),
		"rate_hz", *rate,
		"random", *random,
		"count", *count,
	)

	pulse(ctx, tx, next, *rate, *count)

	st := tx.Stats()
	slog.Info("pulse finished",
		"sent", st.Sent,
		"failures", st.Failures,
		"last", string(actuator.Encode(st.LastSent)),
	)
}

func pulse(ctx context.Context, tx *actuator.UDP, next func() actuator.Message, rate float64, count int) {
	var bar *pb.ProgressBar
	if count > 0 {
		bar = pb.New(count)
		bar.SetWriter(os.Stderr)
		bar.Start()
		defer bar.Finish()
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	for sent := 0; count == 0 || sent < count; sent++ {
		m := next()
		if err := tx.Send(m); err == nil {
			slog.Debug("sent", "message", string(actuator.Encode(m)))
		}
		if bar != nil {
			bar.Increment()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ferrocompanion/ferrocompanion/pkg/coordinator"
	"github.com/ferrocompanion/ferrocompanion/pkg/device"
	"github.com/ferrocompanion/ferrocompanion/pkg/log"
	"github.com/ferrocompanion/ferrocompanion/pkg/opsettings"
	"github.com/ferrocompanion/ferrocompanion/pkg/server"
	"github.com/ferrocompanion/ferrocompanion/pkg/solarev"
	"github.com/ferrocompanion/ferrocompanion/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	dev := device.ConfiguredMQTT()
	eng := opsettings.Configured()
	st := storage.Configured()

	settingsEntity := lflag.RequiredString("settings-entity", "Entity ID of the optimizer's settings entity")
	solarEV := lflag.Bool("solar-ev", false, "Enable the solar EV charging collaborator")
	solarEVHouseW := lflag.Int("solar-ev-house-w", 500, "Assumed base house load in watts subtracted from the solar forecast")
	var solarEVEntities solarev.Entities
	lflag.JSON(&solarEVEntities, "solar-ev-entities", solarEVEntities, "JSON map of the solar EV charging entity IDs")

	var charger *solarev.Charger
	lflag.Do(func() {
		if *solarEV {
			charger = solarev.New(dev, solarEVEntities, float64(*solarEVHouseW))
		}
	})

	coord := coordinator.Configured(eng, st)

	// init server
	srv := server.Configured(coord, st)

	// parse flags
	lflag.Configure()

	// the charger only exists after flags parsed
	coord.AttachCharger(charger)

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		dev.Close()
		if err := st.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// resolve the optimizer controls before anything talks to the device
	controls, err := device.ResolveControls(ctx, dev, *settingsEntity)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "device not ready", "error", err)
		os.Exit(1)
	}
	eng.Attach(dev, controls)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Ctx(ctx).ErrorContext(ctx, "runtime failure", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}

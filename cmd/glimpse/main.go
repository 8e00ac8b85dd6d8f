// Command glimpse mirrors an Android device screen to browser viewers.
// It bootstraps a scrcpy server over adb, parses the framed H.264 stream,
// gates frames on decoder readiness, and fans coded frames out to
// WebCodecs decoders over websockets.
package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbodnar/glimpse/internal/certs"
	"github.com/mbodnar/glimpse/internal/config"
	"github.com/mbodnar/glimpse/internal/control"
	"github.com/mbodnar/glimpse/internal/device"
	"github.com/mbodnar/glimpse/internal/pipeline"
	"github.com/mbodnar/glimpse/internal/server"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("glimpse starting", "version", version, "addr", cfg.Addr)

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	dev, err := device.Connect(connectCtx, device.Options{
		Serial:       cfg.DeviceSerial,
		ServerJar:    cfg.ServerJar,
		LocalPort:    cfg.TunnelPort,
		MaxSize:      cfg.MaxSize,
		MaxFPS:       cfg.MaxFPS,
		VideoBitRate: cfg.VideoBitRate,
	}, slog.Default())
	connectCancel()
	if err != nil {
		slog.Error("connecting to device", "error", err)
		os.Exit(1)
	}
	defer dev.Close()

	relay := server.NewRelay(slog.Default())
	pipe := pipeline.New(server.NewRemoteDecoder(relay),
		pipeline.WithLogger(slog.Default()),
		pipeline.WithErrorHandler(func(err error) {
			slog.Debug("pipeline error", "error", err)
		}),
	)
	defer pipe.Destroy()

	requestKeyframe := func() {
		if err := dev.SendControl(control.ResetVideo{}); err != nil {
			slog.Warn("requesting key frame", "error", err)
		}
	}

	srvCfg := server.Config{
		Addr:              cfg.Addr,
		StaticDir:         cfg.StaticDir,
		DeviceName:        dev.Name,
		Instance:          cfg.MDNSInstance,
		Port:              advertisedPort(cfg.Addr),
		Relay:             relay,
		Stats:             pipe,
		Output:            pipe,
		Control:           dev,
		OnKeyframeRequest: requestKeyframe,
	}
	if cfg.TLS {
		cert, err := certs.Generate(14 * 24 * time.Hour)
		if err != nil {
			slog.Error("generating certificate", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srvCfg.TLSConfig = cert.TLSConfig()
	}
	srv := server.New(srvCfg)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		defer cancel()
		return feedVideo(ctx, dev.VideoStream(), pipe)
	})

	g.Go(func() error {
		err := dev.ReadDeviceMessages(ctx, func(msg control.DeviceMessage) {
			if msg.Type == control.DeviceMsgClipboard {
				slog.Info("device clipboard", "length", len(msg.ClipboardText))
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("device message reader stopped", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// feedVideo pumps socket bytes into the pipeline until the stream ends or
// ctx is cancelled.
func feedVideo(ctx context.Context, r io.Reader, pipe *pipeline.Pipeline) error {
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			pipe.Feed(buf[:n])
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				slog.Info("video stream ended")
				return nil
			}
			return err
		}
	}
}

// advertisedPort extracts the numeric port from a listen address for the
// mDNS record, defaulting to 8080.
func advertisedPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8080
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8080
	}
	return port
}

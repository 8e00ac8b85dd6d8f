// Package device bootstraps a scrcpy server on an Android device over adb
// and exposes the resulting video and control sockets. The sequence is:
// push the server jar, set up a reverse tunnel, start the server via
// app_process, then accept the video and control connections the device
// opens back through the tunnel. The video socket begins with a 64-byte
// device name, followed by the raw stream the protocol framer consumes.
package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mbodnar/glimpse/internal/control"
)

const (
	// deviceNameLength is the fixed size of the name block the server
	// sends first on the video socket.
	deviceNameLength = 64

	defaultRemotePath    = "/data/local/tmp/scrcpy-server.jar"
	defaultServerVersion = "3.3.4"
	defaultSocketName    = "scrcpy"

	acceptTimeout = 10 * time.Second
)

// Options configures the scrcpy server bootstrap.
type Options struct {
	// Serial selects the target device; empty uses the default adb device.
	Serial string
	// ServerJar is the local path of scrcpy-server.jar to push.
	ServerJar string
	// RemotePath is where the jar lands on the device.
	RemotePath string
	// ServerVersion must match the pushed jar's version string.
	ServerVersion string
	// LocalPort is the host TCP port the reverse tunnel targets.
	LocalPort int

	MaxSize      int
	MaxFPS       int
	VideoBitRate int
}

func (o *Options) fill() {
	if o.RemotePath == "" {
		o.RemotePath = defaultRemotePath
	}
	if o.ServerVersion == "" {
		o.ServerVersion = defaultServerVersion
	}
	if o.LocalPort == 0 {
		o.LocalPort = 27183
	}
	if o.MaxSize == 0 {
		o.MaxSize = 1920
	}
	if o.VideoBitRate == 0 {
		o.VideoBitRate = 8_000_000
	}
}

// Device is a connected scrcpy session: one video socket carrying the
// framed H.264 stream and one control socket for injected input.
type Device struct {
	Name string

	log     *slog.Logger
	adb     *adb
	cancel  context.CancelFunc
	video   net.Conn
	control net.Conn
}

// adb shells out to the adb binary on PATH, targeting one device.
type adb struct {
	serial string
}

func (a *adb) run(ctx context.Context, args ...string) error {
	if a.serial != "" {
		args = append([]string{"-s", a.serial}, args...)
	}
	cmd := exec.CommandContext(ctx, "adb", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// serverCommand builds the shell line that starts the scrcpy server via
// app_process. Audio is disabled; only the video and control sockets are
// opened.
func serverCommand(o Options) string {
	args := []string{
		fmt.Sprintf("CLASSPATH=%s", o.RemotePath),
		"app_process", "/", "com.genymobile.scrcpy.Server", o.ServerVersion,
		"log_level=info",
		"audio=false",
		"video_codec=h264",
		fmt.Sprintf("max_size=%d", o.MaxSize),
		fmt.Sprintf("video_bit_rate=%d", o.VideoBitRate),
	}
	if o.MaxFPS > 0 {
		args = append(args, fmt.Sprintf("max_fps=%d", o.MaxFPS))
	}
	return strings.Join(args, " ")
}

// Connect pushes the server jar, starts the server, and accepts its video
// and control connections. The returned Device owns the reverse tunnel and
// both sockets; Close tears everything down.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Device, error) {
	opts.fill()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "device")

	runCtx, cancel := context.WithCancel(context.Background())
	d := &Device{
		log:    log,
		adb:    &adb{serial: opts.Serial},
		cancel: cancel,
	}

	if err := d.adb.run(ctx, "push", opts.ServerJar, opts.RemotePath); err != nil {
		cancel()
		return nil, fmt.Errorf("device: push server: %w", err)
	}

	tunnel := "localabstract:" + defaultSocketName
	local := "tcp:" + strconv.Itoa(opts.LocalPort)
	if err := d.adb.run(ctx, "reverse", tunnel, local); err != nil {
		cancel()
		return nil, fmt.Errorf("device: reverse tunnel: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(opts.LocalPort))
	if err != nil {
		d.teardown(ctx, tunnel)
		return nil, fmt.Errorf("device: listen %s: %w", local, err)
	}
	defer ln.Close()

	// The server keeps running for the session; its lifetime is bound to
	// runCtx, not the bootstrap ctx.
	shell := serverCommand(opts)
	log.Info("starting scrcpy server", "command", shell)
	go func() {
		if err := d.adb.run(runCtx, "shell", shell); err != nil && runCtx.Err() == nil {
			log.Error("scrcpy server exited", "error", err)
		}
	}()

	// The device connects back twice through the tunnel: video first,
	// then control.
	conns := make([]net.Conn, 0, 2)
	for len(conns) < 2 {
		if tcp, ok := ln.(*net.TCPListener); ok {
			deadline := time.Now().Add(acceptTimeout)
			if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
				deadline = ctxDeadline
			}
			tcp.SetDeadline(deadline)
		}
		conn, err := ln.Accept()
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			d.teardown(ctx, tunnel)
			return nil, fmt.Errorf("device: accept connection %d: %w", len(conns), err)
		}
		conns = append(conns, conn)
	}
	d.video, d.control = conns[0], conns[1]

	name, err := readDeviceName(d.video)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("device: handshake: %w", err)
	}
	d.Name = name
	log.Info("device connected", "name", name)
	return d, nil
}

// readDeviceName consumes the fixed-size name block from the video socket.
func readDeviceName(r io.Reader) (string, error) {
	buf := make([]byte, deviceNameLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading device name: %w", err)
	}
	return parseDeviceName(buf), nil
}

func parseDeviceName(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// VideoStream returns the socket carrying the framed H.264 stream,
// positioned just past the device name block.
func (d *Device) VideoStream() io.Reader { return d.video }

// SendControl encodes and writes one control message to the device.
func (d *Device) SendControl(msg control.Message) error {
	if d.control == nil {
		return fmt.Errorf("device: control socket not connected")
	}
	if _, err := d.control.Write(msg.Encode()); err != nil {
		return fmt.Errorf("device: send control message: %w", err)
	}
	return nil
}

// SendControlRaw writes pre-encoded control bytes, for callers that relay
// client-encoded messages verbatim.
func (d *Device) SendControlRaw(data []byte) error {
	if d.control == nil {
		return fmt.Errorf("device: control socket not connected")
	}
	if _, err := d.control.Write(data); err != nil {
		return fmt.Errorf("device: send control message: %w", err)
	}
	return nil
}

// ReadDeviceMessages reads device messages from the control socket until
// the socket closes or ctx is done, invoking fn per decoded message.
func (d *Device) ReadDeviceMessages(ctx context.Context, fn func(control.DeviceMessage)) error {
	var acc []byte
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.control.SetReadDeadline(time.Now().Add(time.Second))
		n, err := d.control.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				msg, consumed, derr := control.DecodeDeviceMessage(acc)
				if derr != nil {
					return fmt.Errorf("device: control socket: %w", derr)
				}
				if consumed == 0 {
					break
				}
				acc = acc[consumed:]
				fn(msg)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("device: control socket: %w", err)
		}
	}
}

// Close shuts down both sockets, removes the reverse tunnel, and stops the
// server process.
func (d *Device) Close() error {
	if d.video != nil {
		d.video.Close()
	}
	if d.control != nil {
		d.control.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.teardown(ctx, "localabstract:"+defaultSocketName)
	return nil
}

func (d *Device) teardown(ctx context.Context, tunnel string) {
	if err := d.adb.run(ctx, "reverse", "--remove", tunnel); err != nil {
		d.log.Debug("removing reverse tunnel", "error", err)
	}
	d.cancel()
}

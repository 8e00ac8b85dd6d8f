package device

import (
	"bytes"
	"strings"
	"testing"
)

func TestServerCommand(t *testing.T) {
	t.Parallel()

	opts := Options{ServerJar: "scrcpy-server.jar"}
	opts.fill()
	cmd := serverCommand(opts)

	for _, want := range []string{
		"CLASSPATH=" + defaultRemotePath,
		"app_process / com.genymobile.scrcpy.Server " + defaultServerVersion,
		"audio=false",
		"video_codec=h264",
		"max_size=1920",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("server command missing %q: %s", want, cmd)
		}
	}
	if strings.Contains(cmd, "max_fps") {
		t.Error("max_fps should be omitted when unset")
	}

	opts.MaxFPS = 60
	if cmd := serverCommand(opts); !strings.Contains(cmd, "max_fps=60") {
		t.Errorf("server command missing max_fps: %s", cmd)
	}
}

func TestOptionsFill(t *testing.T) {
	t.Parallel()

	var opts Options
	opts.fill()
	if opts.RemotePath == "" || opts.ServerVersion == "" || opts.LocalPort == 0 {
		t.Errorf("defaults not applied: %+v", opts)
	}

	custom := Options{RemotePath: "/tmp/x.jar", LocalPort: 5555}
	custom.fill()
	if custom.RemotePath != "/tmp/x.jar" || custom.LocalPort != 5555 {
		t.Errorf("explicit values overridden: %+v", custom)
	}
}

func TestReadDeviceName(t *testing.T) {
	t.Parallel()

	block := make([]byte, deviceNameLength)
	copy(block, "Pixel 8")
	name, err := readDeviceName(bytes.NewReader(append(block, 0xDE, 0xAD)))
	if err != nil {
		t.Fatal(err)
	}
	if name != "Pixel 8" {
		t.Errorf("name = %q", name)
	}
}

func TestReadDeviceNameShort(t *testing.T) {
	t.Parallel()

	if _, err := readDeviceName(bytes.NewReader([]byte("too short"))); err == nil {
		t.Fatal("expected error on truncated name block")
	}
}

func TestParseDeviceNameNoPadding(t *testing.T) {
	t.Parallel()

	full := bytes.Repeat([]byte("a"), deviceNameLength)
	if got := parseDeviceName(full); got != string(full) {
		t.Errorf("unpadded name mangled: %q", got)
	}
}

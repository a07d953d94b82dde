package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseParams(t *testing.T) {
	p, err := ParseParams(map[string]string{
		"FixedSchedule": "true",
		"verbose":       "3",
		"StepTimeout":   "250ms",
		"Unrelated":     "ignored",
	}, true)
	if err != nil {
		t.Fatalf("ParseParams failed: %v", err)
	}
	if !p.FixedSchedule || p.Verbose != 3 || p.StepTimeout != 250*time.Millisecond {
		t.Errorf("ParseParams = %+v", p)
	}

	p, err = ParseParams(nil, true)
	if err != nil || p.FixedSchedule || p.Verbose != 0 || p.StepTimeout != 0 {
		t.Errorf("defaults = %+v, %v", p, err)
	}
}

func TestParseParamsValidation(t *testing.T) {
	bad := []map[string]string{
		{"verbose": "6"},
		{"verbose": "-1"},
		{"verbose": "loud"},
		{"FixedSchedule": "maybe"},
		{"StepTimeout": "soon"},
	}
	for _, params := range bad {
		if _, err := ParseParams(params, true); status.Code(err) != codes.InvalidArgument {
			t.Errorf("strict ParseParams(%v) = %v, want InvalidArgument", params, err)
		}
		if _, err := ParseParams(params, false); err != nil {
			t.Errorf("lenient ParseParams(%v) failed: %v", params, err)
		}
	}
	if p, _ := ParseParams(map[string]string{"verbose": "9"}, false); p.Verbose != MaxVerbosity {
		t.Errorf("lenient verbose = %d, want %d", p.Verbose, MaxVerbosity)
	}
}

func TestParseTransportParams(t *testing.T) {
	p, err := ParseTransportParams(map[string]string{
		"type":      "wan",
		"Library":   "tcp",
		"IPAddress": "127.0.0.1",
	}, "sim")
	if err != nil {
		t.Fatalf("ParseTransportParams failed: %v", err)
	}
	if p.Port != DefaultPort || p.Name != "sim" || p.Library != "tcp" || p.IPAddress != "127.0.0.1" {
		t.Errorf("ParseTransportParams = %+v", p)
	}

	if _, err := ParseTransportParams(map[string]string{"type": "wan"}, "sim"); status.Code(err) != codes.InvalidArgument {
		t.Errorf("missing IPAddress = %v, want InvalidArgument", err)
	}
	if _, err := ParseTransportParams(map[string]string{"IPAddress": "h", "Port": "65535"}, "sim"); err == nil {
		t.Error("port 65535 leaves no room for the data channel")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insitu.yaml")
	yaml := `
node:
  rank: 2
stream:
  name: sim
  role: reader
cluster:
  addresses: ["127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7002"]
engine:
  FixedSchedule: true
  verbose: 2
wan:
  - type: wan
    Library: tcp
    IPAddress: 10.0.0.1
    Port: 13000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("INSITU_NODE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Node.Rank != 2 || cfg.Node.LogLevel != "debug" || cfg.Stream.Role != "reader" || cfg.Stream.Steps != 10 {
		t.Errorf("node/stream = %+v %+v", cfg.Node, cfg.Stream)
	}
	if len(cfg.Cluster.Addresses) != 3 {
		t.Errorf("addresses = %v", cfg.Cluster.Addresses)
	}

	params, err := ParseParams(cfg.Engine, true)
	if err != nil || !params.FixedSchedule || params.Verbose != 2 {
		t.Errorf("engine params = %+v, %v", params, err)
	}
	if len(cfg.WAN) != 1 {
		t.Fatalf("wan = %v", cfg.WAN)
	}
	tp, err := ParseTransportParams(cfg.WAN[0], cfg.Stream.Name)
	if err != nil || tp.Port != 13000 || tp.IPAddress != "10.0.0.1" {
		t.Errorf("transport params = %+v, %v", tp, err)
	}
}

func TestDefault(t *testing.T) {
	t.Setenv("INSITU_STREAM_NAME", "fromenv")
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	if cfg.Stream.Name != "fromenv" || cfg.Stream.Role != "writer" || cfg.Stream.Steps != 10 || cfg.Node.LogLevel != "info" {
		t.Errorf("default config = %+v %+v", cfg.Node, cfg.Stream)
	}
}

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseCLIFlagsDefaults(t *testing.T) {
	t.Setenv("NIX_HUB_CONFIG", "")

	opts, err := parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if opts.configPath != "config.toml" {
		t.Fatalf("default config path mismatch: %s", opts.configPath)
	}
	if opts.checkOnly || opts.showVersion {
		t.Fatal("boolean flags must default to false")
	}
}

func TestParseCLIFlagsEnvOverride(t *testing.T) {
	t.Setenv("NIX_HUB_CONFIG", "/etc/nix-hub/config.toml")

	opts, err := parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if opts.configPath != "/etc/nix-hub/config.toml" {
		t.Fatalf("env override mismatch: %s", opts.configPath)
	}
}

func TestParseCLIFlagsExplicitWinsOverEnv(t *testing.T) {
	t.Setenv("NIX_HUB_CONFIG", "/etc/nix-hub/config.toml")

	opts, err := parseCLIFlags([]string{"-config", "./local.toml", "-check-config"})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if opts.configPath != "./local.toml" {
		t.Fatalf("flag must win over env, got %s", opts.configPath)
	}
	if !opts.checkOnly {
		t.Fatal("check-config flag not parsed")
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"-no-such-flag"}); err == nil {
		t.Fatal("unknown flag must be rejected")
	}
}

func TestRunShowsVersion(t *testing.T) {
	var buf bytes.Buffer
	prev := stdOut
	stdOut = &buf
	defer func() { stdOut = prev }()

	if code := run(cliOptions{showVersion: true}); code != 0 {
		t.Fatalf("exit code mismatch: %d", code)
	}
	if !strings.Contains(buf.String(), "nix-hub") {
		t.Fatalf("version output mismatch: %s", buf.String())
	}
}

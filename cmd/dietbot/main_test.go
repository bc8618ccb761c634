package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nugget/dietbot/internal/buildinfo"
)

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "no command prints usage", args: nil, want: "Usage: dietbot"},
		{name: "help flag", args: []string{"--help"}, want: "Commands:"},
		{name: "version text", args: []string{"version"}, want: buildinfo.Version},
		{name: "unknown command", args: []string{"diet"}, wantErr: "unknown command: diet"},
		{name: "unknown flag", args: []string{"-verbose"}, wantErr: "unknown flag: -verbose"},
		{name: "bad output format", args: []string{"-o", "xml", "version"}, wantErr: "unknown output format"},
		{name: "ask needs a message", args: []string{"ask"}, wantErr: "usage: dietbot ask"},
		{name: "estimate needs a description", args: []string{"estimate"}, wantErr: "usage: dietbot estimate"},
		{name: "missing explicit config", args: []string{"-config", "/nonexistent/dietbot.yaml", "serve"}, wantErr: "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !strings.Contains(stdout.String(), tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, stdout.String())
			}
		})
	}
}

func TestRunVersion_JSON(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout.String())
	}
	for _, key := range []string{"version", "git_commit", "go_version"} {
		if info[key] == "" {
			t.Errorf("missing %q in %v", key, info)
		}
	}
}

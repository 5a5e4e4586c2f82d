package main

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcomm/validate"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    validate.Level
		wantErr bool
	}{
		{"syntax", validate.LevelSyntax, false},
		{"schema", validate.LevelSchema, false},
		{"semantic", validate.LevelSemantic, false},
		{"SEMANTIC", validate.LevelSemantic, false},
		{"deep", 0, true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExitErrorCodes(t *testing.T) {
	var ee *exitError

	if err := validationErr(errors.New("bad")); !errors.As(err, &ee) || ee.code != exitValidation {
		t.Errorf("validationErr code = %d, want %d", ee.code, exitValidation)
	}
	if err := ioErr(errors.New("disk")); !errors.As(err, &ee) || ee.code != exitIO {
		t.Errorf("ioErr code = %d, want %d", ee.code, exitIO)
	}
	if err := protocolErr(errors.New("proto")); !errors.As(err, &ee) || ee.code != exitProtocol {
		t.Errorf("protocolErr code = %d, want %d", ee.code, exitProtocol)
	}

	// The wrapped cause stays reachable for callers that inspect it.
	cause := errors.New("root cause")
	if got := errors.Unwrap(ioErr(cause)); got != cause {
		t.Errorf("Unwrap = %v, want %v", got, cause)
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := rootCmd()

	want := map[string]bool{
		"version":  false,
		"dlq":      false,
		"queue":    false,
		"validate": false,
		"run":      false,
	}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("root command missing subcommand %q", name)
		}
	}
}

func TestDLQCommandWiring(t *testing.T) {
	root := rootCmd()

	var dlq *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "dlq" {
			dlq = c
		}
	}
	if dlq == nil {
		t.Fatal("dlq command not registered")
	}

	want := map[string]bool{
		"list":      false,
		"retry":     false,
		"discard":   false,
		"export":    false,
		"stats":     false,
		"purge":     false,
		"artifacts": false,
	}
	for _, c := range dlq.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("dlq command missing subcommand %q", name)
		}
	}
}

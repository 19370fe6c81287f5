package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestAnalysisCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"analysis", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("analysis --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Competitor analysis") {
		t.Errorf("expected help to mention 'Competitor analysis', got: %s", out)
	}
	for _, sub := range []string{"create", "list", "show", "start", "results", "pause", "resume", "competitor"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestNewAnalysisCmd(t *testing.T) {
	cmd := newAnalysisCmd()
	if cmd.Use != "analysis" {
		t.Errorf("Use = %q, want %q", cmd.Use, "analysis")
	}
	if !cmd.HasSubCommands() {
		t.Error("analysis command should have subcommands")
	}
}

func TestNewAnalysisCreateCmd(t *testing.T) {
	cmd := newAnalysisCreateCmd()
	if cmd.Use != "create" {
		t.Errorf("Use = %q, want %q", cmd.Use, "create")
	}

	tests := []struct {
		name, defValue string
	}{
		{"config", "hookline.yaml"},
		{"primary", ""},
		{"priority", "5"},
		{"method", "manual"},
		{"auto-rerun", "false"},
		{"rerun-hours", "24"},
	}
	for _, tt := range tests {
		flag := cmd.Flags().Lookup(tt.name)
		if flag == nil {
			t.Fatalf("expected --%s flag", tt.name)
		}
		if flag.DefValue != tt.defValue {
			t.Errorf("--%s default = %q, want %q", tt.name, flag.DefValue, tt.defValue)
		}
	}
	if cmd.Flags().Lookup("competitors") == nil {
		t.Error("expected --competitors flag")
	}
}

func TestAnalysisCreateCmd_RequiresPrimary(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"analysis", "create"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error when --primary is not set")
	}
	if !strings.Contains(err.Error(), "primary") {
		t.Errorf("error = %q, want to mention 'primary'", err.Error())
	}
}

func TestAnalysisCreateCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"analysis", "create", "--primary", "somecreator", "--config", "/nonexistent/hookline.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestNewAnalysisCompetitorCmd(t *testing.T) {
	cmd := newAnalysisCompetitorCmd()
	if cmd.Use != "competitor <session> <username>" {
		t.Errorf("Use = %q, want %q", cmd.Use, "competitor <session> <username>")
	}

	flag := cmd.Flags().Lookup("active")
	if flag == nil {
		t.Fatal("expected --active flag")
	}
	if flag.DefValue != "true" {
		t.Errorf("--active default = %q, want %q", flag.DefValue, "true")
	}
}

func TestAnalysisShowCmd_RequiresSession(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"analysis", "show"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing session argument")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want an argument count error", err.Error())
	}
}

func TestAnalysisListCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"analysis", "list", "--config", "/nonexistent/hookline.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestQueueCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"queue", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("queue --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Scrape queue") {
		t.Errorf("expected help to mention 'Scrape queue', got: %s", out)
	}
	for _, sub := range []string{"add", "list", "show", "pause", "resume", "retry", "priority"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestNewQueueCmd(t *testing.T) {
	cmd := newQueueCmd()
	if cmd.Use != "queue" {
		t.Errorf("Use = %q, want %q", cmd.Use, "queue")
	}
	if !cmd.HasSubCommands() {
		t.Error("queue command should have subcommands")
	}
}

func TestQueueAddCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"queue", "add", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("queue add --help failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"--source", "--config", "hookline.yaml"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected help to contain %q, got: %s", want, out)
		}
	}
}

func TestNewQueueAddCmd(t *testing.T) {
	cmd := newQueueAddCmd()
	if cmd.Use != "add <username>" {
		t.Errorf("Use = %q, want %q", cmd.Use, "add <username>")
	}

	flag := cmd.Flags().Lookup("source")
	if flag == nil {
		t.Fatal("expected --source flag")
	}
	if flag.DefValue != "admin" {
		t.Errorf("--source default = %q, want %q", flag.DefValue, "admin")
	}
}

func TestQueueAddCmd_RequiresUsername(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"queue", "add"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing username argument")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want an argument count error", err.Error())
	}
}

func TestQueueAddCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"queue", "add", "somecreator", "--config", "/nonexistent/hookline.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestNewQueueListCmd(t *testing.T) {
	cmd := newQueueListCmd()
	if cmd.Use != "list" {
		t.Errorf("Use = %q, want %q", cmd.Use, "list")
	}

	tests := []struct {
		name, defValue string
	}{
		{"config", "hookline.yaml"},
		{"status", ""},
		{"priority", ""},
		{"limit", "0"},
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
}

func TestQueueListCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"queue", "list", "--config", "/nonexistent/hookline.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestQueuePriorityCmd_RequiresArgs(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"queue", "priority", "somecreator"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing priority argument")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want an argument count error", err.Error())
	}
}

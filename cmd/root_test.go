package cmd

import (
	"strings"
	"testing"

	"github.com/zhubert/convoy/internal/session"
)

func TestRootFlags(t *testing.T) {
	debug := rootCmd.PersistentFlags().Lookup("debug")
	if debug == nil {
		t.Fatal("--debug flag not found")
	}
	if debug.DefValue != "false" {
		t.Errorf("--debug default = %q, want %q", debug.DefValue, "false")
	}

	quiet := rootCmd.PersistentFlags().Lookup("quiet")
	if quiet == nil {
		t.Fatal("--quiet flag not found")
	}
	if quiet.Shorthand != "q" {
		t.Errorf("--quiet shorthand = %q, want %q", quiet.Shorthand, "q")
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"new", "reply", "merge", "sync", "cancel", "list", "diff", "delete", "clean"}
	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestParsePermissionMode(t *testing.T) {
	tests := []struct {
		input   string
		want    session.PermissionMode
		wantErr bool
	}{
		{"default", session.PermissionDefault, false},
		{"", session.PermissionDefault, false},
		{"auto-edit", session.PermissionAutoEdit, false},
		{"full", session.PermissionFull, false},
		{"yolo", session.PermissionDefault, true},
	}
	for _, tt := range tests {
		got, err := parsePermissionMode(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parsePermissionMode(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePermissionMode(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePermissionMode(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"lowercase y", "y\n", true},
		{"uppercase Y", "Y\n", true},
		{"yes", "yes\n", true},
		{"no", "n\n", false},
		{"empty input", "\n", false},
		{"random text", "maybe\n", false},
		{"y with spaces", "  y  \n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := strings.NewReader(tt.input)
			if got := confirm(reader, "Test?"); got != tt.expected {
				t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPad(t *testing.T) {
	if got := pad("abc", 6); got != "abc   " {
		t.Errorf("pad short = %q", got)
	}
	if got := pad("abcdefgh", 6); got != "abcde…" {
		t.Errorf("pad truncated = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestHighlightDiff_KeepsContentOnFallback(t *testing.T) {
	diff := "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n"
	got := highlightDiff(diff)
	if !strings.Contains(stripANSI(got), "+new") {
		t.Errorf("highlighted diff lost content: %q", got)
	}
}

func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
		case r == 0x1b:
			inEscape = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

package ldap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
)

func TestSanitizeFields(t *testing.T) {
	fields := map[string]any{
		"username":             "cn=Directory manager",
		"password":             "password",
		"Credentials":          "secret",
		EnvSecurityCredentials: "password",
		"filter":               "(userPassword=secret)",
		"dn":                   "uid=jdoe,dc=example,dc=com",
		"count":                3,
	}

	sanitized := SanitizeFields(fields)

	for _, key := range []string{"password", "Credentials", EnvSecurityCredentials} {
		if sanitized[key] != "[REDACTED]" {
			t.Errorf("%s = %v, want redacted", key, sanitized[key])
		}
	}

	if sanitized["username"] != "cn=Directory manager" {
		t.Errorf("username = %v", sanitized["username"])
	}

	if sanitized["count"] != 3 {
		t.Errorf("count = %v", sanitized["count"])
	}

	if fields["password"] != "password" {
		t.Error("SanitizeFields() modified its input")
	}
}

func TestContainsSensitivePattern(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"password=hunter2", true},
		{"userPassword: secret", true},
		{"uid=jdoe,dc=example,dc=com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := containsSensitivePattern(tt.input); got != tt.want {
			t.Errorf("containsSensitivePattern(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogOperation(t *testing.T) {
	var output bytes.Buffer
	ctx := NewSubsystemContext(tflogtest.RootLogger(t.Context(), &output), Subsystem)

	err := LogOperation(ctx, Subsystem, "bind", map[string]any{"password": "secret"}, func() error {
		return errors.New("invalid credentials")
	})
	if err == nil || err.Error() != "invalid credentials" {
		t.Fatalf("LogOperation() = %v, want the operation's error", err)
	}

	entries, err := tflogtest.MultilineJSONDecode(&output)
	if err != nil {
		t.Fatalf("decoding log output: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2: %v", len(entries), entries)
	}

	if entries[0]["@message"] != "Starting operation" {
		t.Errorf("first message = %v", entries[0]["@message"])
	}

	last := entries[1]
	if last["@message"] != "Operation failed" || last["operation"] != "bind" {
		t.Errorf("last entry = %v", last)
	}

	if last["password"] != "[REDACTED]" {
		t.Errorf("password logged as %v", last["password"])
	}

	if _, ok := last["duration_ms"]; !ok {
		t.Error("duration_ms missing from completion entry")
	}
}

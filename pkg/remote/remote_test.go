package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOutcomeSuccess(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want bool
	}{
		{"clean exit", Outcome{ExitCode: 0, Class: ClassOK}, true},
		{"non-zero exit", Outcome{ExitCode: 1, Class: ClassNonZeroExit}, false},
		{"timeout", Outcome{ExitCode: -1, Class: ClassTimeout}, false},
		{"transport", Outcome{ExitCode: -1, Class: ClassTransport}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.Success(); got != tt.want {
				t.Errorf("Success() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewConnectorRejectsMissingKey(t *testing.T) {
	if _, err := NewConnector("ec2-user", "/does/not/exist.pem", nil); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestNewConnectorRejectsGarbageKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewConnector("ec2-user", path, nil); err == nil {
		t.Fatal("expected parse error for malformed key material")
	}
}

func TestClosedSessionRunReturnsTransportError(t *testing.T) {
	s := &Session{}
	s.closed = true
	out := s.Run(context.Background(), "uname -m", 0)
	if out.Class != ClassTransport {
		t.Errorf("class = %s, want %s", out.Class, ClassTransport)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := &Session{}
	if err := s.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

package smtp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseResponseSingleLine(t *testing.T) {
	rest, r, err := ParseResponse([]byte("250 ok\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected no remainder, got %q", rest)
	}
	want := &Response{Code: Code{2, 5, 0}, Lines: []string{"ok"}}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if !r.IsPositive() {
		t.Errorf("250 should be positive")
	}
	if !r.HasCode(250) {
		t.Errorf("HasCode(250) should be true")
	}
}

func TestParseResponseMultiLine(t *testing.T) {
	buf := []byte("250-hi.example\r\n250-PIPELINING\r\n250 8BITMIME\r\n")
	rest, r, err := ParseResponse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected no remainder, got %q", rest)
	}
	want := []string{"hi.example", "PIPELINING", "8BITMIME"}
	if diff := cmp.Diff(want, r.Lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestParseResponseEmptyText(t *testing.T) {
	_, r, err := ParseResponse([]byte("250\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Lines) != 1 || r.Lines[0] != "" {
		t.Errorf("expected one empty line, got %v", r.Lines)
	}
}

func TestParseResponseLFOnly(t *testing.T) {
	_, r, err := ParseResponse([]byte("250 ok\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Lines[0] != "ok" {
		t.Errorf("expected %q, got %q", "ok", r.Lines[0])
	}
}

func TestParseResponseNeedMoreData(t *testing.T) {
	full := []byte("250-hi\r\n250 ok\r\n")
	for i := 0; i < len(full); i++ {
		trunc := full[:i]
		_, _, err := ParseResponse(trunc)
		if !IsNeedMoreData(err) {
			t.Errorf("truncation %q: expected need-more-data, got %v", trunc, err)
		}
	}
}

func TestParseResponseMismatchedCode(t *testing.T) {
	_, _, err := ParseResponse([]byte("250-hi\r\n251 ok\r\n"))
	if err == nil {
		t.Fatalf("expected an error for mismatched codes")
	}
}

func TestParseResponseInvalidDigits(t *testing.T) {
	_, _, err := ParseResponse([]byte("25x ok\r\n"))
	if err == nil {
		t.Fatalf("expected an error for non-digit code")
	}
}

func TestParseResponseRoundTrip(t *testing.T) {
	cases := []*Response{
		{Code: Code{2, 5, 0}, Lines: []string{"ok"}},
		{Code: Code{2, 5, 0}, Lines: []string{"hi.example", "PIPELINING", "8BITMIME"}},
		{Code: Code{2, 5, 0}, Lines: []string{""}},
		{Code: Code{3, 3, 4}, Lines: []string{"VXNlcm5hbWU6"}},
	}

	for _, want := range cases {
		wire := want.Serialize()
		_, got, err := ParseResponse(wire)
		if err != nil {
			t.Fatalf("parsing %q: %v", wire, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch for %q (-want +got):\n%s", wire, diff)
		}

		// Every proper prefix must report need-more-data.
		for i := 0; i < len(wire); i++ {
			_, _, err := ParseResponse(wire[:i])
			if !IsNeedMoreData(err) {
				t.Errorf("%q[:%d]=%q: expected need-more-data, got %v",
					wire, i, wire[:i], err)
			}
		}
	}
}

func TestSeverityOther(t *testing.T) {
	_, r, err := ParseResponse([]byte("120 working\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.IsPositive() {
		t.Errorf("120 (severity 'other') should not be positive per spec")
	}
}

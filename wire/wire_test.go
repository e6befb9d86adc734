package wire

import (
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	msg, err := Parse("command=version&group=Alpha&password=secret&note=hello%20world")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.Get(KeyCommand) != "version" {
		t.Errorf("command = %q, want %q", msg.Get(KeyCommand), "version")
	}
	if msg.Get("note") != "hello world" {
		t.Errorf("note = %q, want %q", msg.Get("note"), "hello world")
	}
}

func TestParse_FirstOccurrenceWins(t *testing.T) {
	msg, err := Parse("command=version&command=tell")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.Get(KeyCommand) != "version" {
		t.Errorf("duplicate key should keep the first value, got %q", msg.Get(KeyCommand))
	}
}

func TestParse_IgnoresMalformedPairs(t *testing.T) {
	msg, err := Parse("command=version&&novalue&=orphan")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(msg) != 1 {
		t.Errorf("expected only the command key, got %v", msg)
	}
}

func TestParse_InvalidEscape(t *testing.T) {
	if _, err := Parse("command=%zz"); err == nil {
		t.Error("expected error for invalid percent escape")
	}
}

func TestRedact(t *testing.T) {
	msg, err := Parse("command=version&password=secret")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	redacted := msg.Redact()
	if strings.Contains(redacted, "secret") {
		t.Errorf("redacted encoding still contains the password: %s", redacted)
	}
	if !strings.Contains(redacted, Redacted) {
		t.Errorf("redacted encoding missing placeholder: %s", redacted)
	}
}

func TestKeyValues_OrderPreserved(t *testing.T) {
	kv := NewKeyValues()
	kv.Set("b", "2")
	kv.Set("a", "1")
	kv.Set("c", "3")
	kv.Set("b", "20")

	got := kv.Encode()
	want := "b=20&a=1&c=3"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestKeyValues_MergeMissing(t *testing.T) {
	kv := NewKeyValues()
	kv.Set("data", "handler")
	kv.MergeMissing("data", "afterburn")
	kv.MergeMissing("extra", "afterburn")

	if v, _ := kv.Get("data"); v != "handler" {
		t.Errorf("existing key was overwritten: %q", v)
	}
	if v, _ := kv.Get("extra"); v != "afterburn" {
		t.Errorf("missing key was not merged: %q", v)
	}
}

func TestKeyValues_Delete(t *testing.T) {
	kv := NewKeyValues()
	kv.Set("a", "1")
	kv.Set("b", "2")
	kv.Set("c", "3")
	kv.Delete("b")

	if kv.Has("b") {
		t.Error("deleted key still present")
	}
	if got := kv.Encode(); got != "a=1&c=3" {
		t.Errorf("Encode() after delete = %q", got)
	}
	// Index must stay consistent after the shift.
	kv.Set("c", "30")
	if got := kv.Encode(); got != "a=1&c=30" {
		t.Errorf("Encode() after reindex = %q", got)
	}
}

func TestKeyValues_EncodeEscapes(t *testing.T) {
	kv := NewKeyValues()
	kv.Set("message", "hello world & more")
	encoded := kv.Encode()
	if strings.ContainsAny(encoded, " \n") {
		t.Errorf("encoded value contains raw whitespace: %q", encoded)
	}

	msg, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse of own encoding failed: %v", err)
	}
	if msg.Get("message") != "hello world & more" {
		t.Errorf("round trip mismatch: %q", msg.Get("message"))
	}
}

func TestJoinSplitList(t *testing.T) {
	items := []string{"one", "two,with comma", `three "quoted"`}
	joined := JoinList(items)
	if strings.Contains(joined, "\n") {
		t.Errorf("joined list contains newline: %q", joined)
	}
	got := SplitList(joined)
	if !reflect.DeepEqual(got, items) {
		t.Errorf("SplitList(JoinList(...)) = %v, want %v", got, items)
	}
}

func TestSplitList_Empty(t *testing.T) {
	if got := SplitList(""); got != nil {
		t.Errorf("SplitList(\"\") = %v, want nil", got)
	}
}

package command

import (
	"reflect"
	"testing"
)

func TestApplySift_TakeSkipEach(t *testing.T) {
	data := []string{"a", "b", "c", "d", "e", "f"}

	out, err := ApplySift("skip,1,take,4,each,2", data)
	if err != nil {
		t.Fatalf("ApplySift failed: %v", err)
	}
	if want := []string{"b", "d"}; !reflect.DeepEqual(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestApplySift_TakeBeyondLength(t *testing.T) {
	out, err := ApplySift("take,10", []string{"a", "b"})
	if err != nil {
		t.Fatalf("ApplySift failed: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("take beyond length returned %v", out)
	}
}

func TestApplySift_MatchEmitsCaptureGroups(t *testing.T) {
	data := []string{"xabbc", "nope", "abc"}

	out, err := ApplySift("match,a(b+)c", data)
	if err != nil {
		t.Fatalf("ApplySift failed: %v", err)
	}
	if want := []string{"bb", "b"}; !reflect.DeepEqual(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestApplySift_MatchRepeatedInElement(t *testing.T) {
	out, err := ApplySift("match,(\\d+)", []string{"a1b22", "c333"})
	if err != nil {
		t.Fatalf("ApplySift failed: %v", err)
	}
	if want := []string{"1", "22", "333"}; !reflect.DeepEqual(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestApplySift_CountMatchingElements(t *testing.T) {
	data := []string{"alpha", "beta", "avocado"}

	out, err := ApplySift("count,^a", data)
	if err != nil {
		t.Fatalf("ApplySift failed: %v", err)
	}
	if want := []string{"2"}; !reflect.DeepEqual(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestApplySift_CountWithoutArgument(t *testing.T) {
	if _, err := ApplySift("count", []string{"a"}); err == nil {
		t.Error("count without argument accepted")
	}
}

func TestApplySift_UnknownOperation(t *testing.T) {
	if _, err := ApplySift("frobnicate,1", []string{"a"}); err == nil {
		t.Error("unknown operation accepted")
	}
}

func TestApplySift_MissingArgument(t *testing.T) {
	if _, err := ApplySift("take", []string{"a"}); err == nil {
		t.Error("take without argument accepted")
	}
}

func TestApplySift_InvalidPattern(t *testing.T) {
	if _, err := ApplySift("match,[", []string{"a"}); err == nil {
		t.Error("invalid pattern accepted")
	}
}

func TestApplySift_ScriptArray(t *testing.T) {
	// The script argument is CSV-quoted because it contains a comma.
	out, err := ApplySift(`js,"data.filter(function(x) { return x.length > 1; })"`,
		[]string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("ApplySift failed: %v", err)
	}
	if want := []string{"bb", "ccc"}; !reflect.DeepEqual(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestApplySift_ScriptScalar(t *testing.T) {
	out, err := ApplySift("js,data.length * 2", []string{"a", "b"})
	if err != nil {
		t.Fatalf("ApplySift failed: %v", err)
	}
	if len(out) != 1 || out[0] != "4" {
		t.Errorf("got %v, want [4]", out)
	}
}

func TestApplySift_ScriptFailure(t *testing.T) {
	if _, err := ApplySift("js,throw new Error('nope')", []string{"a"}); err == nil {
		t.Error("script error not surfaced")
	}
}

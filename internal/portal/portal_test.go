package portal

import "testing"

func TestParseStreamsNestedArray(t *testing.T) {
	value := [][]any{
		{uint32(42), map[string]any{"id": "0"}},
	}
	ids, err := parseStreams(value)
	if err != nil {
		t.Fatalf("parseStreams() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("parseStreams() = %v, want [42]", ids)
	}
}

func TestParseStreamsFlatArray(t *testing.T) {
	value := []any{
		[]any{uint32(7)},
		[]any{uint32(8)},
	}
	ids, err := parseStreams(value)
	if err != nil {
		t.Fatalf("parseStreams() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 8 {
		t.Fatalf("parseStreams() = %v, want [7 8]", ids)
	}
}

func TestParseStreamsSkipsMalformedEntries(t *testing.T) {
	value := []any{
		"not a stream",
		[]any{},
		[]any{uint32(9)},
	}
	ids, err := parseStreams(value)
	if err != nil {
		t.Fatalf("parseStreams() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("parseStreams() = %v, want [9]", ids)
	}
}

func TestParseStreamsRejectsUnexpectedType(t *testing.T) {
	if _, err := parseStreams(42); err == nil {
		t.Fatal("parseStreams(42) should have returned an error")
	}
}

package documents

import (
	"encoding/json"
	"testing"
)

func TestMergeFieldsKeepsUnmentionedKeys(t *testing.T) {
	p := Payload{"canvas": json.RawMessage(`{"a":1,"b":2}`), "other": json.RawMessage(`"keep"`)}

	out, err := MergeFields("canvas", map[string]json.RawMessage{
		"b": json.RawMessage(`3`),
		"c": json.RawMessage(`"new"`),
		"a": json.RawMessage(`null`),
	})(p)
	if err != nil {
		t.Fatalf("MergeFields: %v", err)
	}
	var canvas map[string]any
	if err := json.Unmarshal(out["canvas"], &canvas); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := canvas["a"]; ok {
		t.Fatalf("null should delete key a: %v", canvas)
	}
	if canvas["b"] != float64(3) || canvas["c"] != "new" {
		t.Fatalf("unexpected canvas: %v", canvas)
	}
	if string(out["other"]) != `"keep"` {
		t.Fatalf("sibling section changed: %s", out["other"])
	}
}

func TestMergeFieldsRejectsNonObject(t *testing.T) {
	p := Payload{"canvas": json.RawMessage(`[1,2]`)}
	if _, err := MergeFields("canvas", map[string]json.RawMessage{"a": json.RawMessage(`1`)})(p); err == nil {
		t.Fatal("expected error for array section")
	}
}

func TestChainAndDelete(t *testing.T) {
	p := Payload{"old": json.RawMessage(`1`)}
	out, err := Chain(DeleteSection("old"), SetSection("new", true))(p)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if _, ok := out["old"]; ok {
		t.Fatal("old section should be deleted")
	}
	if string(out["new"]) != "true" {
		t.Fatalf("new = %s", out["new"])
	}
}

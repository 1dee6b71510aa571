package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMergeCommandWritesMergedCollection(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "markers.json")
	delta := filepath.Join(dir, "delta.json")
	out := filepath.Join(dir, "out.json")
	if err := os.WriteFile(base, []byte(`[{"id":1,"name":"a"},{"id":2,"name":"b"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(delta, []byte(`{"added":[{"id":3}],"updated":[{"id":1,"name":"A"}],"deleted":[2]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := mergeCmd()
	cmd.SetArgs([]string{"--base", base, "--delta", delta, "--out", out})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("merge: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(strings.Fields(string(data)), "")
	if got != `[{"id":1,"name":"A"},{"id":3}]` {
		t.Fatalf("unexpected merge result %s", data)
	}
}

func TestMergeCommandRejectsInvalidDelta(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "markers.json")
	delta := filepath.Join(dir, "delta.json")
	_ = os.WriteFile(base, []byte(`[]`), 0o644)
	_ = os.WriteFile(delta, []byte(`{"added":"nope"}`), 0o644)

	cmd := mergeCmd()
	cmd.SilenceErrors = true
	cmd.SetArgs([]string{"--base", base, "--delta", delta})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an invalid delta to fail")
	}
}

func TestShortSHA(t *testing.T) {
	if got := shortSHA("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("got %q", got)
	}
	if got := shortSHA("abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

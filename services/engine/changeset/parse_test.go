// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package changeset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const modifyDiff = `--- a/pkg/util.go
+++ b/pkg/util.go
@@ -1,3 +1,3 @@
 package util
-var answer = 41
+var answer = 42
`

const newFileDiff = `--- /dev/null
+++ b/pkg/created.go
@@ -0,0 +1,2 @@
+package pkg
+var fresh = true
`

func TestParseUnified_Modification(t *testing.T) {
	cs, err := ParseUnified(modifyDiff, "Fix The Answer")
	if err != nil {
		t.Fatalf("ParseUnified() error = %v", err)
	}

	if cs.FileCount() != 1 {
		t.Fatalf("FileCount() = %d, want 1", cs.FileCount())
	}
	p := cs.Patches[0]
	if p.Path != "pkg/util.go" {
		t.Errorf("Path = %q, want %q", p.Path, "pkg/util.go")
	}
	if p.IsNew || p.IsDelete {
		t.Error("modification flagged as new or delete")
	}
	added, removed := p.LineStats()
	if added != 1 || removed != 1 {
		t.Errorf("LineStats() = (+%d -%d), want (+1 -1)", added, removed)
	}
	if cs.Intent != "fix the answer" {
		t.Errorf("Intent = %q, want normalized form", cs.Intent)
	}
}

func TestParseUnified_NewFile(t *testing.T) {
	cs, err := ParseUnified(newFileDiff, "add file")
	if err != nil {
		t.Fatalf("ParseUnified() error = %v", err)
	}

	p := cs.Patches[0]
	if !p.IsNew {
		t.Error("IsNew = false for /dev/null origin")
	}
	if p.Path != "pkg/created.go" {
		t.Errorf("Path = %q, want %q", p.Path, "pkg/created.go")
	}
}

func TestParseUnified_Malformed(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"garbage", "this is not a diff at all"},
		{"empty", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUnified(tc.text, "intent")
			if err == nil {
				t.Fatal("expected error for malformed input")
			}
			var malformed *MalformedChangeError
			if !errors.As(err, &malformed) && !errors.Is(err, ErrEmptyChangeSet) {
				t.Errorf("error type = %T, want MalformedChangeError or ErrEmptyChangeSet", err)
			}
		})
	}
}

func TestParseUnified_UnsafePath(t *testing.T) {
	text := `--- a/../escape.go
+++ b/../escape.go
@@ -1,1 +1,1 @@
-old
+new
`
	_, err := ParseUnified(text, "intent")
	var malformed *MalformedChangeError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedChangeError", err)
	}
	if malformed.Reason != "unsafe_path" {
		t.Errorf("Reason = %q, want %q", malformed.Reason, "unsafe_path")
	}
}

func TestValidateAgainstRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pkg", "util.go"), []byte("package util\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("existing_target_ok", func(t *testing.T) {
		cs, err := ParseUnified(modifyDiff, "intent")
		if err != nil {
			t.Fatal(err)
		}
		if err := ValidateAgainstRoot(cs, root); err != nil {
			t.Errorf("ValidateAgainstRoot() error = %v", err)
		}
	})

	t.Run("missing_target_rejected", func(t *testing.T) {
		cs := &ChangeSet{Patches: []*Patch{{Path: "pkg/absent.go"}}}
		err := ValidateAgainstRoot(cs, root)
		var malformed *MalformedChangeError
		if !errors.As(err, &malformed) || malformed.Reason != "missing_file" {
			t.Errorf("error = %v, want missing_file", err)
		}
	})

	t.Run("new_file_collision_rejected", func(t *testing.T) {
		cs := &ChangeSet{Patches: []*Patch{{Path: "pkg/util.go", IsNew: true}}}
		err := ValidateAgainstRoot(cs, root)
		var malformed *MalformedChangeError
		if !errors.As(err, &malformed) {
			t.Errorf("error = %v, want MalformedChangeError", err)
		}
	})
}

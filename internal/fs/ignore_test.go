package fs

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestNewIgnoreMatcher_DropsBlankAndComments(t *testing.T) {
	m := NewIgnoreMatcher([]string{"", "\t", "# editor files", "  *.swp  ", "photos/raw"})

	want := []ignorePattern{
		{pattern: "*.swp"},
		{pattern: "photos/raw", matchPath: true},
	}
	if !reflect.DeepEqual(m.patterns, want) {
		t.Errorf("patterns = %+v, want %+v", m.patterns, want)
	}
}

func TestIgnoreMatcher_Match(t *testing.T) {
	patterns := []string{
		".DS_Store",
		"*.part",
		"Thumbs.[dD][bB]",
		"node_modules",
		"photos/raw",
		"build/*.o",
		"[",
	}
	m := NewIgnoreMatcher(patterns)

	tests := []struct {
		path string
		want bool
	}{
		{".DS_Store", true},
		{filepath.Join("a", "b", ".DS_Store"), true},
		{"movie.mkv.part", true},
		{"movie.mkv", false},
		{"Thumbs.db", true},
		{filepath.Join("pics", "Thumbs.DB"), true},
		{"node_modules", true},
		{filepath.Join("web", "node_modules"), true},
		{filepath.Join("photos", "raw"), true},
		{filepath.Join("archive", "photos", "raw"), false},
		{filepath.Join("photos", "edited"), false},
		{filepath.Join("build", "main.o"), true},
		{filepath.Join("build", "sub", "main.o"), false},
		{"[", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Match(tt.path); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_NoPatterns(t *testing.T) {
	if NewIgnoreMatcher(nil).Match("anything.txt") {
		t.Error("empty matcher matched a path")
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("returns raw lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), IgnoreFileName)
		if err := os.WriteFile(path, []byte("# temp files\n*.part\n\nphotos/raw\n"), 0644); err != nil {
			t.Fatalf("writing ignore file: %v", err)
		}

		got, err := ParseIgnoreFile(path)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		want := []string{"# temp files", "*.part", "", "photos/raw"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ParseIgnoreFile() = %q, want %q", got, want)
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		got, err := ParseIgnoreFile(filepath.Join(t.TempDir(), IgnoreFileName))
		if err != nil || got != nil {
			t.Errorf("ParseIgnoreFile() = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("directory is an error", func(t *testing.T) {
		if _, err := ParseIgnoreFile(t.TempDir()); err == nil {
			t.Error("ParseIgnoreFile(dir) succeeded")
		}
	})
}

func TestLoadIgnoreMatcher(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IgnoreFileName), []byte("*.tmp\n"), 0644); err != nil {
		t.Fatalf("writing ignore file: %v", err)
	}

	m, err := LoadIgnoreMatcher(dir, []string{"*.log"})
	if err != nil {
		t.Fatalf("LoadIgnoreMatcher() error = %v", err)
	}
	for path, want := range map[string]bool{
		IgnoreFileName: true,
		"a.log":        true,
		"b.tmp":        true,
		"c.txt":        false,
	} {
		if got := m.Match(path); got != want {
			t.Errorf("Match(%q) = %v, want %v", path, got, want)
		}
	}
}

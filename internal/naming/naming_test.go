package naming

import (
	"testing"
)

const ts = int64(86401) // 1970-01-02T00:00:01Z

func TestSplitExt(t *testing.T) {
	tests := []struct {
		in   string
		stem string
		ext  string
	}{
		{"foo.txt", "foo", ".txt"},
		{"foo", "foo", ""},
		{"logs/archive.tar.gz", "logs/archive", ".tar.gz"},
		{"x.min.js", "x", ".min.js"},
		{"some.file.txt", "some.file", ".txt"},
		{".bashrc", ".bashrc", ""},
		{"dir/.hidden.txt", "dir/.hidden", ".txt"},
		{"a/b/c.tgz", "a/b/c", ".tgz"},
	}
	for _, tt := range tests {
		stem, ext := SplitExt(tt.in)
		if stem != tt.stem || ext != tt.ext {
			t.Errorf("SplitExt(%q) = (%q, %q), want (%q, %q)", tt.in, stem, ext, tt.stem, tt.ext)
		}
	}
}

func TestToReal(t *testing.T) {
	tests := []struct {
		apath string
		flag  Flag
		want  string
	}{
		{"foo.txt", FlagNone, "foo.19700102000001.txt"},
		{"foo.txt", FlagDelete, "foo.19700102000001D.txt"},
		{"a.bin", FlagReference, "a.19700102000001R.bin"},
		{"logs/archive.tar.gz", FlagNone, "logs/archive.19700102000001.tar.gz"},
		{"noext", FlagNone, "noext.19700102000001"},
		{"dir/.dfbempty", FlagNone, "dir/.dfbempty.19700102000001"},
	}
	for _, tt := range tests {
		if got := ToReal(tt.apath, ts, tt.flag); got != tt.want {
			t.Errorf("ToReal(%q, %s) = %q, want %q", tt.apath, tt.flag, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	apaths := []string{
		"foo.txt",
		"noext",
		"logs/archive.tar.gz",
		"x.min.js",
		"deep/sub/dir/file.json",
		"dir/.dfbempty",
		".hidden",
		"zero",
	}
	for _, apath := range apaths {
		for _, flag := range []Flag{FlagNone, FlagReference, FlagDelete} {
			rpath := ToReal(apath, ts, flag)
			a, gotTS, gotFlag, err := FromRealStrict(rpath)
			if err != nil {
				t.Fatalf("FromRealStrict(%q) error = %v", rpath, err)
			}
			if a != apath || gotTS != ts || gotFlag != flag {
				t.Errorf("round trip %q: got (%q, %d, %q), want (%q, %d, %q)",
					rpath, a, gotTS, gotFlag, apath, ts, flag)
			}
		}
	}
}

func TestFromRealStrict(t *testing.T) {
	t.Run("stamp before multi-extension suffix", func(t *testing.T) {
		a, gotTS, flag, err := FromRealStrict("logs/archive.20240126094501.tar.gz")
		if err != nil {
			t.Fatalf("FromRealStrict() error = %v", err)
		}
		if a != "logs/archive.tar.gz" || flag != FlagNone {
			t.Errorf("got (%q, %q)", a, flag)
		}
		if gotTS != 1706262301 {
			t.Errorf("ts = %d, want 1706262301", gotTS)
		}
	})

	t.Run("stamp at end of name", func(t *testing.T) {
		a, _, flag, err := FromRealStrict("noext.19700102000001")
		if err != nil {
			t.Fatalf("FromRealStrict() error = %v", err)
		}
		if a != "noext" || flag != FlagNone {
			t.Errorf("got (%q, %q)", a, flag)
		}
	})

	t.Run("delete flag", func(t *testing.T) {
		a, _, flag, err := FromRealStrict("foo.19700101000003D.txt")
		if err != nil {
			t.Fatalf("FromRealStrict() error = %v", err)
		}
		if a != "foo.txt" || flag != FlagDelete {
			t.Errorf("got (%q, %q)", a, flag)
		}
	})

	t.Run("no timestamp passes through as error", func(t *testing.T) {
		for _, rpath := range []string{
			"plain.txt",
			"user-placed.tar.gz",
			"13001301000000.txt", // month 13: not a stamp
			"somefile",
		} {
			if _, _, _, err := FromRealStrict(rpath); err == nil {
				t.Errorf("FromRealStrict(%q) expected error", rpath)
			}
		}
	})

	t.Run("already stamped name appends and reparses", func(t *testing.T) {
		apath := "file.19700101000001.txt"
		rpath := ToReal(apath, ts, FlagNone)
		a, gotTS, _, err := FromRealStrict(rpath)
		if err != nil {
			t.Fatalf("FromRealStrict(%q) error = %v", rpath, err)
		}
		if a != apath || gotTS != ts {
			t.Errorf("got (%q, %d), want (%q, %d)", a, gotTS, apath, ts)
		}
	})
}

func TestRefPayload(t *testing.T) {
	t.Run("v2 round trip same dir", func(t *testing.T) {
		payload, err := MarshalRef("b.19700101000002R.bin", "a.19700101000001.bin")
		if err != nil {
			t.Fatalf("MarshalRef() error = %v", err)
		}
		want := `{"ver":2,"rel":"a.19700101000001.bin"}`
		if string(payload) != want {
			t.Errorf("MarshalRef() = %s, want %s", payload, want)
		}

		got, err := ParseRef("b.19700101000002R.bin", payload)
		if err != nil {
			t.Fatalf("ParseRef() error = %v", err)
		}
		if got != "a.19700101000001.bin" {
			t.Errorf("ParseRef() = %q", got)
		}
	})

	t.Run("v2 with traversal", func(t *testing.T) {
		payload, err := MarshalRef("sub/dir/b.19700101000002R.bin", "other/a.19700101000001.bin")
		if err != nil {
			t.Fatalf("MarshalRef() error = %v", err)
		}
		got, err := ParseRef("sub/dir/b.19700101000002R.bin", payload)
		if err != nil {
			t.Fatalf("ParseRef() error = %v", err)
		}
		if got != "other/a.19700101000001.bin" {
			t.Errorf("ParseRef() = %q", got)
		}
	})

	t.Run("legacy v1 plain line", func(t *testing.T) {
		got, err := ParseRef("sub/b.19700101000002R.bin", []byte("some/old/path.19700101000001.bin\n"))
		if err != nil {
			t.Fatalf("ParseRef() error = %v", err)
		}
		if got != "some/old/path.19700101000001.bin" {
			t.Errorf("ParseRef() = %q", got)
		}
	})

	t.Run("v1 json form", func(t *testing.T) {
		got, err := ParseRef("b.19700101000002R.bin", []byte(`{"ver":1,"path":"a.19700101000001.bin"}`))
		if err != nil {
			t.Fatalf("ParseRef() error = %v", err)
		}
		if got != "a.19700101000001.bin" {
			t.Errorf("ParseRef() = %q", got)
		}
	})

	t.Run("unknown version rejected", func(t *testing.T) {
		if _, err := ParseRef("b.19700101000002R.bin", []byte(`{"ver":3,"rel":"x"}`)); err == nil {
			t.Error("ParseRef() expected error for unknown version")
		}
	})
}

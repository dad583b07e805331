package api

import (
	"testing"
)

func TestParseRangeHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		total   int64
		start   int64
		end     int64
		ok      bool
		wantErr bool
	}{
		{"no header", "", 1000, 0, 0, false, false},
		{"first byte", "bytes=0-0", 1000, 0, 0, true, false},
		{"open ended", "bytes=100-", 1000, 100, 999, true, false},
		{"explicit", "bytes=10-19", 1000, 10, 19, true, false},
		{"end clamped", "bytes=990-2000", 1000, 990, 999, true, false},
		{"suffix", "bytes=-100", 1000, 900, 999, true, false},
		{"suffix larger than object", "bytes=-5000", 1000, 0, 999, true, false},
		{"start at size", "bytes=1000-", 1000, 0, 0, false, true},
		{"start beyond size", "bytes=5000-", 1000, 0, 0, false, true},
		{"inverted", "bytes=20-10", 1000, 0, 0, false, false},
		{"garbage", "bytes=abc-def", 1000, 0, 0, false, false},
		{"multi range", "bytes=0-1,5-6", 1000, 0, 0, false, false},
		{"wrong unit", "items=0-1", 1000, 0, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok, err := parseRangeHeader(tt.header, tt.total)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (start != tt.start || end != tt.end) {
				t.Errorf("range = %d-%d, want %d-%d", start, end, tt.start, tt.end)
			}
		})
	}
}

func TestSanitizeComponent(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "movies", "movies", false},
		{"nested", "movies/2024", "movies/2024", false},
		{"empty", "", "", false},
		{"trailing slash", "movies/", "movies", false},
		{"dotdot", "../../etc/", "", true},
		{"dotdot middle", "a/../b", "", true},
		{"encoded traversal", "..%2Fsecrets", "", true},
		{"double encoded", "..%252Fsecrets", "", true},
		{"backslash traversal", `..\secrets`, "", true},
		{"dot segment", "a/./b", "", true},
		{"double slash", "a//b", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sanitizeComponent(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("sanitizeComponent(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("sanitizeComponent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestObjectKeyScoping(t *testing.T) {
	sc := requestScope{base: "alice_example_com/"}

	key, err := objectKey(sc, "movies", "clip.mp4")
	if err != nil || key != "alice_example_com/movies/clip.mp4" {
		t.Errorf("objectKey = %q, %v", key, err)
	}

	if _, err := objectKey(sc, "../../etc/", "passwd"); err == nil {
		t.Error("traversal folder must be rejected")
	}
	if _, err := objectKey(sc, "movies", "..%2Fsecrets"); err == nil {
		t.Error("encoded traversal filename must be rejected")
	}
	if _, err := objectKey(sc, "", ""); err == nil {
		t.Error("empty filename must be rejected")
	}
}

func TestIsVideo(t *testing.T) {
	for name, want := range map[string]bool{
		"clip.mp4":  true,
		"clip.MP4":  true,
		"clip.webm": true,
		"doc.pdf":   false,
		"clip.mkv":  false,
		"noext":     false,
	} {
		if got := isVideo(name); got != want {
			t.Errorf("isVideo(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestUserRoot(t *testing.T) {
	if got := userRoot("Alice@Example.com"); got != "alice_example_com" {
		t.Errorf("userRoot = %q", got)
	}
}

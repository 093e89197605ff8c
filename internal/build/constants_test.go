package build

import "testing"

func TestGenerateSlug(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"My Cool Site", "my-cool-site"},
		{"  spaced  out  ", "spaced-out"},
		{"Already-Slugged", "already-slugged"},
		{"symbols!@#here", "symbols-here"},
		{"--edges--", "edges"},
	}
	for _, tc := range cases {
		if got := GenerateSlug(tc.name); got != tc.want {
			t.Errorf("GenerateSlug(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestGenerateSlugTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "abcdefgh"
	}
	if got := GenerateSlug(long); len(got) != 48 {
		t.Fatalf("len = %d, want 48", len(got))
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := LogsChannel("dep-1"); got != "build-logs:dep-1" {
		t.Fatalf("LogsChannel = %q", got)
	}
	if got := ArtifactPrefix("dep-1"); got != "artifacts/dep-1" {
		t.Fatalf("ArtifactPrefix = %q", got)
	}
	if got := ZipStoragePath("my-site", "source.zip"); got != "uploads/my-site/source.zip" {
		t.Fatalf("ZipStoragePath = %q", got)
	}
}

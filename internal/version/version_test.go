package version

import "testing"

func TestGet_Defaults(t *testing.T) {
	vi := Get()
	if vi.AppName != AppName {
		t.Errorf("AppName = %q, want %q", vi.AppName, AppName)
	}
	if vi.Version == "" {
		t.Error("Version should never be empty")
	}
	if vi.GoVersion == "" {
		t.Error("GoVersion should be recovered from build info")
	}
}

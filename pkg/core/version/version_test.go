package version

import (
	"regexp"
	"runtime"
	"strings"
	"testing"
)

// semverRegex validates semantic versioning format
var semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

func TestVersionConstants(t *testing.T) {
	if !semverRegex.MatchString(Popper) {
		t.Errorf("Popper version %q does not match semver format (x.y.z)", Popper)
	}
	if APIVersion != "v1" {
		t.Errorf("APIVersion = %q, want v1", APIVersion)
	}
	if EventSchema == "" {
		t.Error("EventSchema is empty")
	}
}

func TestGet(t *testing.T) {
	info := Get()

	if info.Version != Popper {
		t.Errorf("Version = %q, want %q", info.Version, Popper)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
}

func TestInfo_String(t *testing.T) {
	s := Info{Version: "1.2.3", API: "v1", Commit: "abc123", BuildDate: "today", GoVersion: "go1.24", Platform: "linux/amd64"}.String()

	for _, want := range []string{"popper 1.2.3", "commit abc123", "linux/amd64"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

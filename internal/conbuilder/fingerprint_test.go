package conbuilder

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseSimulatedInstall(t *testing.T) {
	lines := []string{
		"Reading package lists...",
		"Inst gettext (0.19.8.1-4 Debian:unstable [amd64]) []",
		"Inst libfoo (1.2-3 Debian:unstable [amd64]) []",
		"Conf libfoo (1.2-3 Debian:unstable [amd64])",
		"Inst libfoo (1.2-3 Debian:unstable [amd64]) []",
		"",
	}
	deps, err := ParseSimulatedInstall(lines)
	if err != nil {
		t.Fatal(err)
	}
	want := DependencySet{
		{Name: "gettext", Version: "0.19.8.1-4"},
		{Name: "libfoo", Version: "1.2-3"},
	}
	if !reflect.DeepEqual(deps, want) {
		t.Errorf("got %v, want %v", deps, want)
	}
}

func TestParseSimulatedInstallRejectsMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		line string
	}{
		{"missing version paren", "Inst libfoo 1.2-3 Debian:unstable"},
		{"empty version", "Inst libfoo ( Debian:unstable [amd64]) []"},
		{"too few fields", "Inst libfoo (1.2-3"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSimulatedInstall([]string{tc.line})
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("got %v, want ParseError", err)
			}
		})
	}
}

func TestFingerprintIgnoresLineOrder(t *testing.T) {
	a, err := ParseSimulatedInstall([]string{
		"Inst libfoo (1.0 Debian:unstable [amd64]) []",
		"Inst libbar (2.0 Debian:unstable [amd64]) []",
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseSimulatedInstall([]string{
		"Inst libbar (2.0 Debian:unstable [amd64]) []",
		"Inst libfoo (1.0 Debian:unstable [amd64]) []",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints differ: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	if len(a.Fingerprint()) != fingerprintLen {
		t.Errorf("fingerprint length %d, want %d", len(a.Fingerprint()), fingerprintLen)
	}
}

func TestFingerprintChangesWithVersion(t *testing.T) {
	a := DependencySet{{Name: "libfoo", Version: "1.0"}}
	b := DependencySet{{Name: "libfoo", Version: "1.1"}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("version bump did not change the fingerprint")
	}
}

func TestCanonicalSortsByNameThenVersion(t *testing.T) {
	set := DependencySet{
		{Name: "zlib", Version: "1.3"},
		{Name: "gettext", Version: "0.21"},
		{Name: "gettext", Version: "0.19"},
	}
	want := "gettext:0.19\ngettext:0.21\nzlib:1.3"
	if got := set.Canonical(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

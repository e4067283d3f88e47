package query

import "testing"

func TestHashEqualForIdenticalFingerprints(t *testing.T) {
	a := RequestInfo{TokenizedSource: "select 1", ProtocolMajor: 7, OutputFormat: FormatBinary}
	b := RequestInfo{TokenizedSource: "select 1", ProtocolMajor: 7, OutputFormat: FormatBinary}
	if a.Hash() != b.Hash() {
		t.Fatal("identical RequestInfo values must hash identically")
	}
}

func TestHashDiffersOnAnyField(t *testing.T) {
	base := RequestInfo{TokenizedSource: "select 1"}
	variants := []RequestInfo{
		{TokenizedSource: "select 2"},
		{TokenizedSource: "select 1", ExpectOne: true},
		{TokenizedSource: "select 1", ImplicitLimit: 5},
		{TokenizedSource: "select 1", OutputFormat: FormatJSON},
		{TokenizedSource: "select 1", AllowCapabilities: CapDDL},
	}
	baseHash := base.Hash()
	for i, v := range variants {
		if v.Hash() == baseHash {
			t.Fatalf("variant %d should not collide with base fingerprint", i)
		}
	}
}

func TestAllowedAndDisabled(t *testing.T) {
	permitted := CapModifications | CapDDL
	if !Allowed(CapModifications, permitted) {
		t.Fatal("subset of permitted should be allowed")
	}
	if Allowed(CapSessionConfig, permitted) {
		t.Fatal("capability outside permitted must not be allowed")
	}
	if _, ok := Disabled(CapModifications, permitted); ok {
		t.Fatal("no disabled capability expected")
	}
	diff, ok := Disabled(CapSessionConfig|CapModifications, permitted)
	if !ok || diff == 0 {
		t.Fatal("expected to find the disabled capability")
	}
}

func TestGroupIsScript(t *testing.T) {
	single := Group{Units: []Unit{{}}}
	if single.IsScript() {
		t.Fatal("single unit without readback is not a script")
	}
	multi := Group{Units: []Unit{{}, {}}}
	if !multi.IsScript() {
		t.Fatal("group length > 1 must be a script")
	}
	readback := Group{Units: []Unit{{NeedsReadback: true}}}
	if !readback.IsScript() {
		t.Fatal("a single unit needing readback must be a script")
	}
}

package errs

import (
	"bytes"
	"testing"

	"github.com/protoengine/frontend/internal/wire"
)

func TestWriteToEncodesErrorFrame(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	e := BinaryProtocolError("empty query")
	if err := WriteTo(w, e); err != nil {
		t.Fatal(err)
	}

	r := wire.NewReader(&buf)
	mt, err := r.ReadMessage()
	if err != nil || mt != 'E' {
		t.Fatalf("mt=%q err=%v", mt, err)
	}
	sev, _ := r.Uint8()
	code, _ := r.Int32()
	msg, _ := r.UTF8String()
	if sev != SeverityFatal || code != CodeBinaryProtocolError || msg != "empty query" {
		t.Fatalf("sev=%q code=%d msg=%q", sev, code, msg)
	}
}

func TestInternalServerErrorCarriesHintAndTraceback(t *testing.T) {
	e := InternalServerError(BinaryProtocolError("boom"), "trace-here")
	if e.Fields()[FieldHint] == "" {
		t.Fatal("expected a bug-report hint")
	}
	if e.Fields()[FieldServerTraceback] != "trace-here" {
		t.Fatal("expected traceback field to be preserved")
	}
}

func TestIsOfflineOrBlocked(t *testing.T) {
	if !IsOfflineOrBlocked(ServerOfflineError("maintenance")) {
		t.Fatal("offline should report true")
	}
	if !IsOfflineOrBlocked(ServerBlockedError("quota")) {
		t.Fatal("blocked should report true")
	}
	if IsOfflineOrBlocked(BackendError("oops")) {
		t.Fatal("ordinary backend error should report false")
	}
}

func TestDisabledCapabilityErrorNamesTheCapability(t *testing.T) {
	e := DisabledCapabilityError("ddl")
	if e.Code() != CodeDisabledCapabilityError {
		t.Fatalf("code = %#x", e.Code())
	}
}

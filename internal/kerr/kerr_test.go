package kerr

import (
	"errors"
	"testing"
)

func TestFatalKinds(t *testing.T) {
	if !InvalidInput.Fatal() {
		t.Error("InvalidInput should be fatal")
	}
	if !Cancellation.Fatal() {
		t.Error("Cancellation should be fatal")
	}
	if NormalizationFailure.Fatal() {
		t.Error("NormalizationFailure should not be fatal")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	be := ForTile(BackendFatal, "+47+008", "exit 1", inner)
	if !errors.Is(be, inner) {
		t.Error("BuildError should unwrap to inner error")
	}
	if be.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestAs(t *testing.T) {
	be := New(InvalidInput, "bad tile name", nil)
	var err error = be
	if !As(err, InvalidInput) {
		t.Error("As should match InvalidInput")
	}
	if As(err, BackendFatal) {
		t.Error("As should not match BackendFatal")
	}
}

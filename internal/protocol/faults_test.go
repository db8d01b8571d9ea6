package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestFaultMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ModuleDisallowed("vm"))

	if !errors.Is(err, &Fault{Code: FaultModuleDisallowed}) {
		t.Error("errors.Is failed to match by code")
	}
	if errors.Is(err, &Fault{Code: FaultModuleNotFound}) {
		t.Error("errors.Is matched a different code")
	}
}

func TestFaultFromPreservesTypedFaults(t *testing.T) {
	orig := ModuleNotFound("dateutil")
	got := FaultFrom(fmt.Errorf("engine: %w", orig))
	if got.Code != FaultModuleNotFound || got.Module != "dateutil" {
		t.Errorf("FaultFrom() = %+v, want original fault preserved", got)
	}

	plain := FaultFrom(errors.New("boom"))
	if plain.Code != FaultExecutionError {
		t.Errorf("FaultFrom(plain) code = %q, want ExecutionError", plain.Code)
	}
}

func TestStatusFor(t *testing.T) {
	if got := StatusFor(FaultTaskTimeout); got != StatusTimeout {
		t.Errorf("StatusFor(TaskTimeout) = %q, want timeout", got)
	}
	if got := StatusFor(FaultModuleDisallowed); got != StatusError {
		t.Errorf("StatusFor(ModuleDisallowed) = %q, want error", got)
	}
}

func TestFaultErrorNamesModule(t *testing.T) {
	f := ModuleDisallowed("ctypes")
	want := "ModuleDisallowed(ctypes): module is not enabled for this runner"
	if f.Error() != want {
		t.Errorf("Error() = %q, want %q", f.Error(), want)
	}
}

package svcd

import (
	"errors"
	"testing"
)

func TestWithPoststopNoPoststopFailure(t *testing.T) {
	primary := errors.New("prestart boom")
	err := withPoststop(ErrPrestartFailed, ErrPrestartAndPoststopFailed, primary, nil)

	if err.Kind != ErrPrestartFailed {
		t.Errorf("expected Kind=ErrPrestartFailed, got %v", err.Kind)
	}
	if !errors.Is(err, primary) {
		t.Error("expected errors.Is to unwrap to the primary error")
	}
}

func TestWithPoststopBothFail(t *testing.T) {
	primary := errors.New("prestart boom")
	poststop := errors.New("poststop boom")
	err := withPoststop(ErrPrestartFailed, ErrPrestartAndPoststopFailed, primary, poststop)

	if err.Kind != ErrPrestartAndPoststopFailed {
		t.Errorf("expected the fused kind, got %v", err.Kind)
	}
	if !errors.Is(err, primary) {
		t.Error("expected errors.Is to reach the primary error")
	}
	if !errors.Is(err, poststop) {
		t.Error("expected errors.Is to reach the poststop error")
	}
}

func TestRunCmdErrorMessages(t *testing.T) {
	e := &RunCmdError{Kind: RunCmdBadExitCode, Cmd: "/bin/false", Termination: &ChildTermination{Kind: Exited, Code: 1}}
	if e.Error() == "" {
		t.Error("expected a non-empty error message")
	}
}

package kilnerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapClassify(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Transient, base)

	if got := Classify(wrapped); got != Transient {
		t.Errorf("Classify() = %v, want %v", got, Transient)
	}
	if !errors.Is(wrapped, base) {
		t.Error("expected wrapped error to unwrap to base")
	}
}

func TestClassify_SurvivesFmtErrorf(t *testing.T) {
	base := Wrap(Fatal, errors.New("bad config"))
	outer := fmt.Errorf("loading config: %w", base)

	if got := Classify(outer); got != Fatal {
		t.Errorf("Classify() = %v, want %v", got, Fatal)
	}
}

func TestClassify_UnwrappedErrorIsUnknown(t *testing.T) {
	if got := Classify(errors.New("plain")); got != Unknown {
		t.Errorf("Classify() = %v, want %v", got, Unknown)
	}
}

func TestClassify_NilIsUnknown(t *testing.T) {
	if got := Classify(nil); got != Unknown {
		t.Errorf("Classify(nil) = %v, want %v", got, Unknown)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, Fatal},
		{http.StatusForbidden, Fatal},
		{http.StatusNotFound, Fatal},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusBadRequest, Logical},
	}
	for _, c := range cases {
		if got := ClassifyHTTPStatus(c.status); got != c.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestClassifyExitCode(t *testing.T) {
	if got := ClassifyExitCode(0); got != Unknown {
		t.Errorf("ClassifyExitCode(0) = %v, want %v", got, Unknown)
	}
	if got := ClassifyExitCode(1); got != WorkflowFailure {
		t.Errorf("ClassifyExitCode(1) = %v, want %v", got, WorkflowFailure)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Transient:       "transient",
		Logical:         "logical",
		Fatal:           "fatal",
		WorkflowFailure: "workflow_failure",
		Timeout:         "timeout",
		Unknown:         "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(k), got, want)
		}
	}
}

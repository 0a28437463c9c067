package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("book: %w", Conflict("slot taken"))
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %s", KindOf(err))
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected errors.Is to match the conflict sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("conflict must not match not-found")
	}
	if HTTPStatus(KindOf(err)) != http.StatusConflict {
		t.Fatalf("expected 409")
	}
}

func TestInternalHidesCause(t *testing.T) {
	cause := errors.New("pq: password authentication failed for user app")
	err := Internal(cause)
	if Message(err) != "internal error" {
		t.Fatalf("internal detail leaked: %q", Message(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should stay reachable for logging")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("unknown errors are internal")
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:             http.StatusBadRequest,
		KindNotFound:               http.StatusNotFound,
		KindUnauthorized:           http.StatusUnauthorized,
		KindForbidden:              http.StatusForbidden,
		KindInvalidStateTransition: http.StatusConflict,
		KindInternal:               http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

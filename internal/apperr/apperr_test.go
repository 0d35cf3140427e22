package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := New(InsufficientBalance, "not enough balance", "Balance: 10, Required: 40")
	wrapped := fmt.Errorf("create trade: %w", base)

	if KindOf(wrapped) != InsufficientBalance {
		t.Errorf("expected InsufficientBalance through wrapping, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("connection reset")) != StoreFailure {
		t.Error("unclassified errors should be store failures")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should have no kind")
	}
}

func TestIsRetryable(t *testing.T) {
	cause := errors.New("serialization failure")
	if !IsRetryable(Conflict(cause, "settle trade")) {
		t.Error("transaction conflicts should be retryable")
	}
	if IsRetryable(New(InvalidOperation, "trade is not pending")) {
		t.Error("business rule violations must not be retryable")
	}
	if IsRetryable(Store(cause, "get trade")) {
		t.Error("store failures must not be retryable")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Store(cause, "get user")
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through errors.Is")
	}
	if err.Explanation[0] == cause.Error() {
		t.Error("store error text must not leak into the explanation")
	}
}

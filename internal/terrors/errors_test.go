package terrors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestCategory_String(t *testing.T) {
	tests := []struct {
		category Category
		want     string
	}{
		{CategoryNetwork, "network"},
		{CategoryAuthentication, "authentication"},
		{CategoryConfiguration, "configuration"},
		{CategoryServer, "server"},
		{CategoryProtocol, "protocol"},
		{CategoryUnknown, "unknown"},
		{Category(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.category.String(); got != tt.want {
			t.Errorf("Category(%d).String() = %q, want %q", tt.category, got, tt.want)
		}
	}
}

func TestError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CategoryNetwork, "dial_failed", "cannot reach backend", true, cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}

	var te *Error
	if !errors.As(err, &te) {
		t.Fatal("errors.As failed for *Error")
	}
	if te.Code != "dial_failed" || !te.Retryable {
		t.Errorf("unexpected fields: code=%q retryable=%v", te.Code, te.Retryable)
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	a := New(CategoryServer, "backend_unavailable", "backend down", true)
	b := Wrap(CategoryServer, "backend_unavailable", "still down", true, errors.New("x"))
	c := New(CategoryServer, "other_code", "other", false)

	if !errors.Is(b, a) {
		t.Error("errors with same code should match")
	}
	if errors.Is(c, a) {
		t.Error("errors with different codes should not match")
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"taxonomy error", New(CategoryProtocol, "bad_frame", "oversized", false), CategoryProtocol},
		{"dns error", &net.DNSError{Err: "no such host", Name: "backend.invalid"}, CategoryNetwork},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), CategoryNetwork},
		{"plain error", errors.New("something odd"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(New(CategoryServer, "overloaded", "shed", true)) {
		t.Error("explicit retryable flag ignored")
	}
	if IsRetryable(Configf("bad_config", "invalid settings")) {
		t.Error("configuration errors are never retryable")
	}
	if !IsRetryable(fmt.Errorf("write: %w", syscall.EPIPE)) {
		t.Error("broken pipe should classify as retryable network error")
	}
}

package bonus

import (
	"errors"
	"testing"
)

func TestWrapErrorCarriesSegments(test *testing.T) {
	test.Parallel()
	underlying := errors.New("disk full")
	wrapped := WrapError("store", "entry", "insert", underlying)

	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "entry" || operationError.Code() != "insert" {
		test.Fatalf("unexpected segments: %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(wrapped, underlying) {
		test.Fatal("expected wrapped error to unwrap to the cause")
	}
	if wrapped.Error() != "store.entry.insert: disk full" {
		test.Fatalf("unexpected message: %s", wrapped.Error())
	}
}

func TestWrapErrorNilPassesThrough(test *testing.T) {
	test.Parallel()
	if WrapError("store", "entry", "insert", nil) != nil {
		test.Fatal("expected nil for nil cause")
	}
}

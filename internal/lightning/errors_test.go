package lightning

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestServiceError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", rejected("pay_request", "NO_ROUTE", nil))

	if !errors.Is(err, ErrRejected) {
		t.Error("expected errors.Is(err, ErrRejected)")
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		t.Error("expected rejected error not to match other kinds")
	}
	if KindOf(err) != KindRejected {
		t.Errorf("KindOf = %s, want rejected", KindOf(err))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("expected KindOf of a plain error to be 0")
	}

	cause := errors.New("socket closed")
	if !errors.Is(unavailable("get_info", cause), cause) {
		t.Error("expected ServiceError to unwrap to its cause")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		dispatched bool
		want       ErrorKind
	}{
		{"unreachable before send", status.Error(codes.Unavailable, "connection refused"), false, KindUnavailable},
		{"connection lost after send", status.Error(codes.Unavailable, "transport closing"), true, KindTimeout},
		{"deadline before send", context.DeadlineExceeded, false, KindUnavailable},
		{"deadline after send", context.DeadlineExceeded, true, KindTimeout},
		{"grpc deadline after send", status.Error(codes.DeadlineExceeded, "deadline"), true, KindTimeout},
		{"invalid argument", status.Error(codes.InvalidArgument, "invoice expired"), false, KindRejected},
		{"already exists", status.Error(codes.AlreadyExists, "invoice is already paid"), true, KindRejected},
		{"non-grpc error after send", errors.New("eof"), true, KindTimeout},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := KindOf(classify("op", tc.err, tc.dispatched))
			if got != tc.want {
				t.Errorf("classify(%v, dispatched=%v) = %s, want %s", tc.err, tc.dispatched, got, tc.want)
			}
		})
	}
}

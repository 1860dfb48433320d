package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/collector/internal/core/domain"
)

func TestClassify(t *testing.T) {
	withInfo, err := status.New(codes.Unknown, "denied").WithDetails(&errdetails.ErrorInfo{
		Reason: "ACCESS_DENIED",
		Domain: "wmi",
	})
	if err != nil {
		t.Fatalf("failed to build status: %v", err)
	}

	tests := []struct {
		name string
		err  error
		want domain.ErrorCategory
	}{
		{"nil", nil, domain.CategoryUnknown},
		{"collection connection", domain.NewCollectionError(domain.CategoryConnection, "h1", "Win32_Process", errors.New("timeout")), domain.CategoryConnection},
		{"collection auth", domain.NewCollectionError(domain.CategoryAuthentication, "h1", "", nil), domain.CategoryAuthentication},
		{"wrapped permission", fmt.Errorf("query: %w", domain.NewCollectionError(domain.CategoryPermission, "h1", "", nil)), domain.CategoryPermission},
		{"collection data", domain.NewCollectionError(domain.CategoryData, "", "", nil), domain.CategoryData},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), domain.CategoryConnection},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "bad creds"), domain.CategoryAuthentication},
		{"grpc permission denied", status.Error(codes.PermissionDenied, "nope"), domain.CategoryPermission},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad class"), domain.CategoryData},
		{"grpc error info", withInfo.Err(), domain.CategoryPermission},
		{"grpc internal", status.Error(codes.Internal, "boom"), domain.CategoryUnknown},
		{"deadline", context.DeadlineExceeded, domain.CategoryConnection},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, domain.CategoryConnection},
		{"dns", &net.DNSError{Err: "no such host", Name: "h1"}, domain.CategoryConnection},
		{"eacces", fmt.Errorf("open: %w", syscall.EACCES), domain.CategoryPermission},
		{"plain", errors.New("something odd"), domain.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		cat  domain.ErrorCategory
		prev domain.ErrorCategory
		want bool
	}{
		{domain.CategoryConnection, "", true},
		{domain.CategoryConnection, domain.CategoryConnection, true},
		{domain.CategoryAuthentication, domain.CategoryUnknown, true},
		{domain.CategoryPermission, "", false},
		{domain.CategoryData, "", false},
		{domain.CategoryUnknown, "", true},
		// an UNKNOWN after another category still gets its one retry
		{domain.CategoryUnknown, domain.CategoryConnection, true},
		{domain.CategoryUnknown, domain.CategoryUnknown, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.cat, tt.prev); got != tt.want {
			t.Errorf("IsRetryable(%s, %q) = %v, want %v", tt.cat, tt.prev, got, tt.want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	if code := ErrorCode(status.Error(codes.Unavailable, "x")); code != "GRPC_Unavailable" {
		t.Errorf("unexpected grpc code %q", code)
	}
	if code := ErrorCode(domain.NewCollectionError(domain.CategoryData, "", "", nil)); code != "DATA_ERROR" {
		t.Errorf("unexpected collection code %q", code)
	}
	if code := ErrorCode(nil); code != "" {
		t.Errorf("expected empty code for nil, got %q", code)
	}
}

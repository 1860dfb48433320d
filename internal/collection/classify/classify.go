// Package classify maps collection failures onto the fixed error taxonomy.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/collector/internal/core/domain"
)

// Classify determines the error category for err. It is a pure function of the
// error chain; nil maps to UNKNOWN.
func Classify(err error) domain.ErrorCategory {
	if err == nil {
		return domain.CategoryUnknown
	}

	var ce *domain.CollectionError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}

	if st, ok := grpcStatus(err); ok {
		if cat, ok := fromErrorInfo(st); ok {
			return cat
		}
		if cat, ok := fromCode(st.Code()); ok {
			return cat
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CategoryConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return domain.CategoryConnection
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return domain.CategoryPermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.CategoryConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.CategoryConnection
	}

	return domain.CategoryUnknown
}

// IsRetryable reports whether a failure of category cat may be tried again.
// prev is the category of the failure just before it within the same retry
// budget, empty when there was none. UNKNOWN gets exactly one more try: a
// second UNKNOWN in a row is terminal.
func IsRetryable(cat, prev domain.ErrorCategory) bool {
	switch cat {
	case domain.CategoryConnection, domain.CategoryAuthentication:
		return true
	case domain.CategoryUnknown:
		return prev != domain.CategoryUnknown
	default:
		return false
	}
}

// ErrorCode returns a short machine-readable code for err, stored on results.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if st, ok := grpcStatus(err); ok {
		return "GRPC_" + st.Code().String()
	}
	var ce *domain.CollectionError
	if errors.As(err, &ce) && ce.Kind != "" {
		return string(ce.Kind) + "_ERROR"
	}
	return string(Classify(err)) + "_ERROR"
}

func grpcStatus(err error) (*status.Status, bool) {
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return nil, false
	}
	st := se.GRPCStatus()
	if st == nil || st.Code() == codes.OK {
		return nil, false
	}
	return st, true
}

func fromCode(code codes.Code) (domain.ErrorCategory, bool) {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return domain.CategoryConnection, true
	case codes.Unauthenticated:
		return domain.CategoryAuthentication, true
	case codes.PermissionDenied:
		return domain.CategoryPermission, true
	case codes.InvalidArgument, codes.NotFound, codes.DataLoss, codes.OutOfRange,
		codes.FailedPrecondition, codes.Unimplemented:
		return domain.CategoryData, true
	default:
		return "", false
	}
}

// fromErrorInfo reads an ErrorInfo detail whose reason names the category,
// e.g. reason "AUTHENTICATION_FAILED" or "ACCESS_DENIED".
func fromErrorInfo(st *status.Status) (domain.ErrorCategory, bool) {
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok {
			continue
		}
		reason := strings.ToUpper(info.GetReason())
		switch {
		case strings.HasPrefix(reason, "AUTH"):
			return domain.CategoryAuthentication, true
		case strings.Contains(reason, "ACCESS_DENIED"), strings.HasPrefix(reason, "PERMISSION"):
			return domain.CategoryPermission, true
		case strings.HasPrefix(reason, "CONNECT"), strings.Contains(reason, "TIMEOUT"):
			return domain.CategoryConnection, true
		case strings.HasPrefix(reason, "INVALID"), strings.HasPrefix(reason, "DATA"):
			return domain.CategoryData, true
		}
	}
	return "", false
}

package s3

import (
	"context"
	"errors"
	"net/http"
	"pgsorchestrator/internal/apperrors"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, true},
		{"bad bucket name", minio.ErrorResponse{Code: "InvalidBucketName", StatusCode: http.StatusBadRequest}, true},
		{"slow down", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, false},
		{"throttled", minio.ErrorResponse{Code: "Other", StatusCode: http.StatusTooManyRequests}, false},
		{"server error", minio.ErrorResponse{Code: "Other", StatusCode: http.StatusBadGateway}, false},
		{"client error", minio.ErrorResponse{Code: "Other", StatusCode: http.StatusConflict}, true},
		{"network", errors.New("dial tcp: connection refused"), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify("op", tt.err)
			if got := errors.Is(err, apperrors.ErrPermanent); got != tt.permanent {
				t.Errorf("permanent = %v, want %v (%v)", got, tt.permanent, err)
			}
			if got := errors.Is(err, apperrors.ErrTransient); got == tt.permanent {
				t.Errorf("transient = %v, want %v", got, !tt.permanent)
			}
		})
	}
}

func TestIsNoSuchBucket(t *testing.T) {
	t.Parallel()
	if !isNoSuchBucket(minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}) {
		t.Error("expected NoSuchBucket to be recognised")
	}
	if isNoSuchBucket(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Error("NoSuchKey is not a missing bucket")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.region != "us-east-1" {
		t.Errorf("unexpected region %q", s.region)
	}
}

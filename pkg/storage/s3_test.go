package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type recordedPut struct {
	method      string
	path        string
	contentType string
	body        string
}

// newFakeS3 serves PutObject with the given status and records each request.
func newFakeS3(t *testing.T, status int) (*S3Store, func() []recordedPut) {
	t.Helper()

	var (
		mu   sync.Mutex
		puts []recordedPut
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts = append(puts, recordedPut{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		})
		mu.Unlock()

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(status)
			io.WriteString(w, `<Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("key", "secret", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		RetryMaxAttempts:           1,
	})

	return NewS3StoreFromClient(client), func() []recordedPut {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedPut(nil), puts...)
	}
}

func TestS3Store_PutObject(t *testing.T) {
	store, puts := newFakeS3(t, http.StatusOK)

	err := store.PutObject(context.Background(), "nft-images", "Test Apes_0xabc/7.png", strings.NewReader("image-7"), 7, "image/png")
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}

	got := puts()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	if got[0].method != http.MethodPut {
		t.Errorf("method = %s, want PUT", got[0].method)
	}
	if got[0].path != "/nft-images/Test Apes_0xabc/7.png" {
		t.Errorf("path = %q", got[0].path)
	}
	if got[0].contentType != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got[0].contentType)
	}
	if got[0].body != "image-7" {
		t.Errorf("body = %q, want image-7", got[0].body)
	}
}

func TestS3Store_PutObjectError(t *testing.T) {
	store, _ := newFakeS3(t, http.StatusForbidden)

	err := store.PutObject(context.Background(), "nft-images", "x/1.png", strings.NewReader("x"), 1, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "s3 put nft-images/x/1.png") {
		t.Errorf("error = %v, want bucket and key in message", err)
	}
}

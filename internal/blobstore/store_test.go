package blobstore

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestCreateOpenRevoke(t *testing.T) {
	s := New()
	url := s.CreateObjectURL([]byte("abc"), "audio/webm")

	if !IsObjectURL(url) || !strings.HasPrefix(url, "blob:tabrelay/") {
		t.Fatalf("unexpected url %q", url)
	}

	r, mime, err := s.Open(url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(r)
	if string(data) != "abc" || mime != "audio/webm" {
		t.Fatalf("got %q %q", data, mime)
	}

	s.Revoke(url)
	s.Revoke(url)
	if _, _, err := s.Open(url); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after revoke err = %v, want ErrNotFound", err)
	}
}

func TestURLsAreUnique(t *testing.T) {
	s := New()
	a := s.CreateObjectURL([]byte("x"), "audio/webm")
	b := s.CreateObjectURL([]byte("x"), "audio/webm")
	if a == b {
		t.Fatal("object urls should be unique")
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}

func TestRevokeAfter(t *testing.T) {
	s := New()
	url := s.CreateObjectURL([]byte("x"), "audio/webm")
	s.RevokeAfter(url, 20*time.Millisecond)

	if _, _, err := s.Open(url); err != nil {
		t.Fatalf("url revoked too early: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("url not revoked after delay")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

package webdav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestHandlerMountsBothPaths(t *testing.T) {
	primary, secondary := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(primary, "a.raw"), []byte("primary"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(secondary, "b.raw"), []byte("secondary"), 0666); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler([2]string{primary, secondary}))
	defer srv.Close()

	tests := []struct {
		path string
		code int
		body string
	}{
		{PrimaryPrefix + "/a.raw", http.StatusOK, "primary"},
		{SecondaryPrefix + "/b.raw", http.StatusOK, "secondary"},
		{PrimaryPrefix + "/b.raw", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != tt.code {
			t.Fatalf("GET %s = %d", tt.path, resp.StatusCode)
		}
		if tt.body != "" && string(body) != tt.body {
			t.Fatalf("GET %s body = %q", tt.path, body)
		}
	}
}

func TestStartStop(t *testing.T) {
	w := New(context.Background(), 0)
	if w.Stop() {
		t.Fatal("Stop() on a stopped service")
	}
	if !w.Start([2]string{t.TempDir(), ""}) {
		t.Fatal("Start() failed")
	}
	if w.Start([2]string{t.TempDir(), ""}) {
		t.Fatal("second Start() succeeded")
	}
	if !w.Running() {
		t.Fatal("Running() = false")
	}
	if !w.Stop() || w.Running() {
		t.Fatal("Stop() did not stop the service")
	}
}

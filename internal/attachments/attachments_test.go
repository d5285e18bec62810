package attachments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/ratelimit"
)

func newDownloadFixture(t *testing.T, maxMB int) (*Downloader, *cache.AttachmentCache) {
	t.Helper()
	c, err := cache.NewAttachmentCache(config.AttachmentsConfig{StorageDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	d := NewDownloader(DownloaderOpts{
		Cache:         c,
		Limiter:       ratelimit.New(config.RateLimitConfig{GlobalRPM: 60000, PerConversationRPM: 60000}),
		MaxFileSizeMB: maxMB,
	})
	return d, c
}

func TestDownloadStoresPayloadAndMetadata(t *testing.T) {
	body := []byte("plain text payload")
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write(body)
	}))
	defer srv.Close()

	d, c := newDownloadFixture(t, 1)
	att, err := d.Download(context.Background(), "conv1", Source{
		AttachmentID: "a1",
		URL:          srv.URL,
		Filename:     "notes.txt",
		Headers:      map[string]string{"Authorization": "Bearer tok"},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Error("auth header not forwarded")
	}
	if att.AttachmentType != "document" || att.FileExtension != ".txt" || !att.Processable {
		t.Errorf("attachment = %+v", att)
	}
	if att.Size != int64(len(body)) {
		t.Errorf("size = %d, want %d", att.Size, len(body))
	}

	payload, err := os.ReadFile(filepath.Join(c.StorageDir(), att.FilePath()))
	if err != nil || string(payload) != string(body) {
		t.Errorf("payload on disk = %q, %v", payload, err)
	}
	if _, ok := att.Conversations["conv1"]; !ok {
		t.Error("conversation reference missing")
	}
}

func TestDownloadCachedAttachmentSkipsFetch(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d, _ := newDownloadFixture(t, 1)
	src := Source{AttachmentID: "a1", URL: srv.URL, Filename: "f.bin"}
	if _, err := d.Download(context.Background(), "conv1", src); err != nil {
		t.Fatal(err)
	}
	att, err := d.Download(context.Background(), "conv2", src)
	if err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
	if len(att.Conversations) != 2 {
		t.Errorf("conversations = %v, want both referenced", att.Conversations)
	}
}

func TestDownloadEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2*1024*1024))
	}))
	defer srv.Close()

	d, _ := newDownloadFixture(t, 1)
	if _, err := d.Download(context.Background(), "conv1", Source{AttachmentID: "big", URL: srv.URL}); err == nil {
		t.Fatal("oversized download succeeded")
	}
}

func TestDownloadRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	d, _ := newDownloadFixture(t, 1)
	if _, err := d.Download(context.Background(), "conv1", Source{AttachmentID: "a1", URL: srv.URL}); err == nil {
		t.Fatal("404 download succeeded")
	}
}

func TestStage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	// Minimal PNG header so sniffing lands on image/png.
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 16)...)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := cache.NewAttachmentCache(config.AttachmentsConfig{StorageDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	att, err := Stage(c, "conv1", "up1", path)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if att.AttachmentType != "image" || att.ContentType != "image/png" {
		t.Errorf("attachment = %+v, want sniffed image/png", att)
	}
	if _, err := os.Stat(filepath.Join(c.StorageDir(), att.FilePath())); err != nil {
		t.Errorf("staged payload missing: %v", err)
	}
}

func TestTypeForMIME(t *testing.T) {
	cases := map[string]string{
		"image/png":                "image",
		"video/mp4":                "video",
		"audio/ogg":                "audio",
		"text/plain; charset=utf8": "document",
		"application/pdf":          "document",
		"application/zip":          "file",
	}
	for in, want := range cases {
		if got := TypeForMIME(in); got != want {
			t.Errorf("TypeForMIME(%q) = %q, want %q", in, got, want)
		}
	}
}

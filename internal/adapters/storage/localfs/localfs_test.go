package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"renderfarm/internal/ports"
)

func TestPutGetDelete(t *testing.T) {
	root := t.TempDir()
	fs := New(root)
	ctx := context.Background()

	out, err := fs.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   "renders/t-1/frame.png",
		ContentType: "image/png",
		Reader:      strings.NewReader("pixels"),
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if out.ObjectKey != "renders/t-1/frame.png" || out.Size != 6 {
		t.Errorf("unexpected output %+v", out)
	}

	rc, contentType, size, err := fs.GetObject(ctx, out.ObjectKey)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "pixels" || size != 6 {
		t.Errorf("unexpected object %q size %d", body, size)
	}
	if contentType != "image/png" {
		t.Errorf("expected image/png, got %s", contentType)
	}

	if err := fs.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "renders", "t-1", "frame.png")); !os.IsNotExist(err) {
		t.Errorf("expected file removed, stat err = %v", err)
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	fs := New(root)

	if _, err := fs.PutObject(context.Background(), ports.PutObjectInput{
		ObjectKey: "out.bin",
		Reader:    strings.NewReader("x"),
	}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.bin" {
		t.Errorf("unexpected directory contents: %v", entries)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	fs := New(t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"", "../secret", "a/../../b", "/etc/passwd"} {
		t.Run(key, func(t *testing.T) {
			_, err := fs.PutObject(ctx, ports.PutObjectInput{ObjectKey: key, Reader: strings.NewReader("x")})
			if err == nil {
				t.Errorf("expected error for key %q", key)
			}
		})
	}
}

package checksum

import (
	"testing"

	"github.com/spf13/afero"
)

func TestSHA256File(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/a.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, size, err := SHA256File(fs, "/a.txt")
	if err != nil {
		t.Fatalf("SHA256File: %v", err)
	}
	if size != 5 {
		t.Errorf("size = %d", size)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("sum = %s", sum)
	}
}

func TestMD5File(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/a.txt", []byte("hello"), 0o644)
	sum, _, err := MD5File(fs, "/a.txt")
	if err != nil {
		t.Fatalf("MD5File: %v", err)
	}
	if sum != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("sum = %s", sum)
	}
}

func TestSHA256File_Missing(t *testing.T) {
	if _, _, err := SHA256File(afero.NewMemMapFs(), "/missing"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package build

import (
	"os"
	"testing"
)

func TestDataDir(t *testing.T) {
	if err := os.Unsetenv(dataDirEnvVar); err != nil {
		t.Fatal(err)
	}

	dir := DataDir()
	if dir != defaultDataDir() {
		t.Errorf("expected default data dir %v, got %v", defaultDataDir(), dir)
	}

	newDir := "foo/bar"
	if err := os.Setenv(dataDirEnvVar, newDir); err != nil {
		t.Fatal(err)
	}
	dir = DataDir()
	if dir != newDir {
		t.Errorf("expected data dir %v, got %v", newDir, dir)
	}
}

func TestPassword(t *testing.T) {
	if err := os.Unsetenv(passwordEnvVar); err != nil {
		t.Fatal(err)
	}

	if pw := Password(); pw != "" {
		t.Errorf("expected blank password, got %v", pw)
	}

	newPW := "abc123"
	if err := os.Setenv(passwordEnvVar, newPW); err != nil {
		t.Fatal(err)
	}
	if pw := Password(); pw != newPW {
		t.Errorf("expected password %v, got %v", newPW, pw)
	}
}

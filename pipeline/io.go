package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/uplo-tech/errors"
)

func readLocalFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeLocalFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.AddContext(err, "could not create parent directory")
	}
	return os.WriteFile(path, data, 0o600)
}

func jsonMarshalIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

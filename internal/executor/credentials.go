package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"pipelines/internal/workflow"
	"strings"
)

// WriteCredentials rebuilds a credentials file under root: any existing file
// is deleted first, then the sections are written with mode 0600.
func WriteCredentials(root string, c workflow.Credential, secrets map[string]string) error {
	if err := workflow.ValidateRelativePath(c.Path); err != nil {
		return fmt.Errorf("invalid credentials path %q: %w", c.Path, err)
	}
	content, err := RenderCredentials(c, secrets)
	if err != nil {
		return err
	}

	dest := filepath.Join(root, c.Path)
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", c.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", c.Path, err)
	}
	// O_EXCL: the path was just cleared, anything there now is not ours.
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", c.Path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", c.Path, err)
	}
	return f.Close()
}

// RenderCredentials renders a .pypirc style file: a [distutils] index list
// followed by one section per index.
func RenderCredentials(c workflow.Credential, secrets map[string]string) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("[distutils]\nindex-servers =\n")
	for _, s := range c.Sections {
		fmt.Fprintf(&b, "    %s\n", s.Name)
	}

	for _, s := range c.Sections {
		password, ok := secrets[s.PasswordSecret]
		if !ok || password == "" {
			return nil, fmt.Errorf("secret %s is not set", s.PasswordSecret)
		}
		if strings.ContainsAny(password, "\r\n") || strings.ContainsAny(s.Username, "\r\n") {
			return nil, fmt.Errorf("credentials for section %q contain a line break", s.Name)
		}
		fmt.Fprintf(&b, "\n[%s]\nusername = %s\npassword = %s\n", s.Name, s.Username, password)
	}
	return b.Bytes(), nil
}

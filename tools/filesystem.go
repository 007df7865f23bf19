package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
)

type readFileInput struct {
	Path string `json:"path" jsonschema_description:"Path of the file to read"`
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema_description:"Path of the file to write"`
	Content string `json:"content" jsonschema_description:"Full new content of the file"`
}

type listFilesInput struct {
	Path string `json:"path,omitempty" jsonschema_description:"Directory to list, defaults to the working directory"`
}

func checkHidden(path string, fsAccess *config.FilesystemAccess) error {
	hidden, err := isPathRestricted(filepath.Clean(path), fsAccess.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	return nil
}

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}
func (t *ReadFileTool) InputSchema() map[string]any { return SchemaFor[readFileInput]() }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var in readFileInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", errors.New("missing or invalid 'path' argument")
	}
	if err := checkHidden(in.Path, t.fsAccess); err != nil {
		return "", err
	}

	content, err := os.ReadFile(in.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", in.Path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely."
}
func (t *WriteFileTool) InputSchema() map[string]any { return SchemaFor[writeFileInput]() }

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var in writeFileInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", errors.New("missing or invalid 'path' argument")
	}
	if err := checkHidden(in.Path, t.fsAccess); err != nil {
		return "", err
	}

	readOnly, err := isPathRestricted(filepath.Clean(in.Path), t.fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", in.Path)
	}

	if err := os.WriteFile(in.Path, []byte(in.Content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", in.Path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(in.Content), in.Path), nil
}

// ListFilesTool lists the visible entries of a directory tree.
type ListFilesTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "Lists files below a directory, one relative path per line. Hidden paths are omitted."
}
func (t *ListFilesTool) InputSchema() map[string]any { return SchemaFor[listFilesInput]() }

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var in listFilesInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	root := in.Path
	if root == "" {
		root = "."
	}
	if err := checkHidden(root, t.fsAccess); err != nil {
		return "", err
	}

	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}
		hidden, err := isPathRestricted(filepath.Clean(path), t.fsAccess.Hidden)
		if err != nil {
			return err
		}
		if hidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			entries = append(entries, path+"/")
		} else {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to list '%s'", root)
	}
	return strings.Join(entries, "\n"), nil
}

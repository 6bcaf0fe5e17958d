package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
)

// ErrNotRegularFile is returned when a read targets a path that exists but
// is not a regular file, such as a directory or a device node.
var ErrNotRegularFile = errors.New("not a regular file")

// ContainerFile describes one entry of a container directory listing.
type ContainerFile struct {
	Name    string
	Path    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// CopyFileTo writes data to an absolute path inside the container. The
// parent directory must already exist. The file is created with mode 0644,
// replacing any existing file at that path.
func (c *Client) CopyFileTo(ctx context.Context, containerID, filePath string, data []byte) error {
	if !strings.HasPrefix(filePath, "/") {
		return fmt.Errorf("container path must be absolute: %s", filePath)
	}

	archive, err := buildFileArchive(filePath, data)
	if err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	if err := c.cli.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy to container: %w", err)
	}
	return nil
}

// ReadFileFrom fetches a single regular file from the container. The engine
// delivers the path as a tar stream; the first regular entry is the file.
func (c *Client) ReadFileFrom(ctx context.Context, containerID, filePath string) ([]byte, error) {
	reader, stat, err := c.cli.CopyFromContainer(ctx, containerID, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy from container: %w", err)
	}
	defer reader.Close()

	if stat.Mode.IsDir() {
		return nil, fmt.Errorf("%s: %w", filePath, ErrNotRegularFile)
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry: %w", err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("%s: %w", filePath, ErrNotRegularFile)
}

// ListPath returns the direct children of a directory inside the container.
// Listing a regular file returns that single entry.
func (c *Client) ListPath(ctx context.Context, containerID, dirPath string) ([]ContainerFile, error) {
	reader, stat, err := c.cli.CopyFromContainer(ctx, containerID, dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy from container: %w", err)
	}
	defer reader.Close()

	if !stat.Mode.IsDir() {
		return []ContainerFile{{
			Name:    stat.Name,
			Path:    path.Clean(dirPath),
			Size:    stat.Size,
			ModTime: stat.Mtime,
		}}, nil
	}

	return readDirArchive(tar.NewReader(reader), path.Clean(dirPath))
}

// buildFileArchive produces a single-entry tar stream rooted at "/" so the
// archive can be extracted at the container root.
func buildFileArchive(filePath string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name:     strings.TrimPrefix(path.Clean(filePath), "/"),
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Now().UTC(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// readDirArchive walks a directory tar stream and keeps depth-one entries.
// The engine prefixes every entry with the directory's base name, so a
// child appears as "base/child" and anything deeper is skipped.
func readDirArchive(tr *tar.Reader, dirPath string) ([]ContainerFile, error) {
	files := make([]ContainerFile, 0)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}

		name := strings.Trim(header.Name, "/")
		parts := strings.Split(name, "/")
		if len(parts) != 2 {
			continue
		}
		if header.Typeflag != tar.TypeReg && header.Typeflag != tar.TypeDir {
			continue
		}

		files = append(files, ContainerFile{
			Name:    parts[1],
			Path:    path.Join(dirPath, parts[1]),
			Dir:     header.Typeflag == tar.TypeDir,
			Size:    header.Size,
			ModTime: header.ModTime,
		})
	}
	return files, nil
}

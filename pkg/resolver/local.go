package resolver

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/parafile/pkg/types"
)

func listLocal(path string) ([]types.WorkItem, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, types.NewJobError(types.ErrBackendUnavailable, "file:/"+path, err)
	}

	if !info.IsDir() {
		return []types.WorkItem{{URI: toFileURI(path), Size: info.Size()}}, info.Size(), nil
	}

	var (
		items []types.WorkItem
		total int64
	)
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, types.WorkItem{URI: toFileURI(p), Size: fi.Size()})
		total += fi.Size()
		return nil
	})
	if err != nil {
		return nil, 0, types.NewJobError(types.ErrBackendUnavailable, "file:/"+path, err)
	}
	return items, total, nil
}

func downloadLocal(path string) Downloader {
	return func(ctx context.Context, destPath string) error {
		src, err := os.Open(path)
		if err != nil {
			return types.NewJobError(types.ErrDownloadFailed, toFileURI(path), err)
		}
		defer src.Close()
		if err := writeToFile(destPath, src); err != nil {
			return types.NewJobError(types.ErrDownloadFailed, toFileURI(path), err)
		}
		return nil
	}
}

func toFileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return fmt.Sprintf("file:/%s", filepath.ToSlash(abs))
}

func writeToFile(destPath string, r io.Reader) error {
	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, r)
	return err
}

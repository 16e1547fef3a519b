package export

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
)

// ArchiveFilename names the tree archive for an export run.
func ArchiveFilename(at time.Time, auditID int64) string {
	return fmt.Sprintf("dns_tree_%s-%d.tar.bz2", at.Format("2006-01-02-15-04-05"), auditID)
}

// ArchiveTree writes a bz2-compressed tar of the materialized tree into
// backupDir. Entries are sorted and timestamps zeroed so equal trees
// archive to equal bytes.
func ArchiveTree(treeDir, backupDir string, at time.Time, auditID int64) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}
	final := filepath.Join(backupDir, ArchiveFilename(at, auditID))
	tmp, err := os.CreateTemp(backupDir, ".tree-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := writeTarBz2(tmp, treeDir); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

func writeTarBz2(w io.Writer, treeDir string) error {
	bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return err
	}
	tw := tar.NewWriter(bw)

	var paths []string
	err = filepath.Walk(treeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != treeDir {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(treeDir, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: int64(info.Mode().Perm()),
		}
		if info.IsDir() {
			hdr.Typeflag = tar.TypeDir
			hdr.Name = strings.TrimSuffix(hdr.Name, "/") + "/"
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = info.Size()
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.IsDir() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			_ = f.Close()
			if err != nil {
				return err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return bw.Close()
}

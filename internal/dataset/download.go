package dataset

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "https://www.cs.toronto.edu/~kriz"

	ArchiveName = "cifar-10-binary.tar.gz"

	// Published md5 of cifar-10-binary.tar.gz.
	archiveMD5 = "c32a1d4ab5d03f1284b67883e8d87530"

	// Directory name inside the archive.
	batchesDir = "cifar-10-batches-bin"
)

type Downloader struct {
	client *resty.Client
}

func NewDownloader(baseURL string, retries int, timeout time.Duration) *Downloader {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(2 * time.Second)

	return &Downloader{client: client}
}

// Fetch downloads and verifies the CIFAR-10 binary archive into destDir,
// returning the archive path. An existing archive with a matching checksum
// is reused without re-downloading.
func (d *Downloader) Fetch(ctx context.Context, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create download directory %s: %w", destDir, err)
	}

	archivePath := filepath.Join(destDir, ArchiveName)

	if _, err := os.Stat(archivePath); err == nil {
		if err := verifyChecksum(archivePath); err == nil {
			slog.Info("archive already downloaded", "path", archivePath)
			return archivePath, nil
		}
		slog.Warn("existing archive failed checksum, re-downloading", "path", archivePath)
	}

	slog.Info("downloading archive", "url", d.client.BaseURL+"/"+ArchiveName)

	resp, err := d.client.R().
		SetContext(ctx).
		SetOutput(archivePath).
		Get("/" + ArchiveName)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", ArchiveName, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("failed to download %s: status %s", ArchiveName, resp.Status())
	}

	if err := verifyChecksum(archivePath); err != nil {
		return "", err
	}

	return archivePath, nil
}

func verifyChecksum(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("failed to hash archive %s: %w", path, err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if sum != archiveMD5 {
		return fmt.Errorf("archive %s checksum mismatch: got %s, expected %s", path, sum, archiveMD5)
	}
	return nil
}

// Extract unpacks the archive into destDir and returns the directory
// containing the batch files. Already-extracted batches are reused.
func Extract(archivePath, destDir string) (string, error) {
	batchesPath := filepath.Join(destDir, batchesDir)

	if _, err := os.Stat(filepath.Join(batchesPath, "test_batch.bin")); err == nil {
		slog.Info("archive already extracted", "path", batchesPath)
		return batchesPath, nil
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to open gzip stream for %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read tar entry from %s: %w", archivePath, err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", fmt.Errorf("archive %s contains invalid entry path %s", archivePath, hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.ModePerm); err != nil {
				return "", fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
				return "", fmt.Errorf("failed to create directory for %s: %w", target, err)
			}
			dst, err := os.Create(target)
			if err != nil {
				return "", fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(dst, tr); err != nil {
				dst.Close()
				return "", fmt.Errorf("failed to extract %s: %w", target, err)
			}
			if err := dst.Close(); err != nil {
				return "", fmt.Errorf("failed to close %s: %w", target, err)
			}
		}
	}

	if _, err := os.Stat(filepath.Join(batchesPath, "test_batch.bin")); err != nil {
		return "", fmt.Errorf("archive %s did not contain expected batch files: %w", archivePath, err)
	}

	return batchesPath, nil
}

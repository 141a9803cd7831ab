// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParseGCSURL splits a "gs://bucket/prefix" URL into its bucket and object prefix (without trailing "/").
func ParseGCSURL(url string) (bucket, prefix string, err error) {
	rest, found := strings.CutPrefix(url, "gs://")
	if !found || rest == "" {
		return "", "", errors.Errorf("invalid GCS URL %q, it must be of the form gs://bucket[/prefix]", url)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.Errorf("invalid GCS URL %q: empty bucket", url)
	}
	return bucket, strings.TrimSuffix(prefix, "/"), nil
}

// objectName returns the object name for a file of the bundle under prefix.
func objectName(prefix, fileName string) string {
	if prefix == "" {
		return fileName
	}
	return prefix + "/" + fileName
}

// objectStore is the subset of a blob store used to publish bundles.
type objectStore interface {
	// Delete removes object. It must not fail if the object doesn't exist.
	Delete(ctx context.Context, object string) error

	// Upload writes the file at sourcePath to object, replacing any previous contents.
	Upload(ctx context.Context, sourcePath, object string) error
}

// gcsStore implements objectStore over a GCS bucket.
type gcsStore struct {
	bucket *storage.BucketHandle
}

func (s gcsStore) Delete(ctx context.Context, object string) error {
	err := s.bucket.Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "deleting gs://%s/%s", s.bucket.BucketName(), object)
	}
	return nil
}

func (s gcsStore) Upload(ctx context.Context, sourcePath, object string) error {
	return uploadFile(ctx, s.bucket, sourcePath, object)
}

// Publish uploads the files of bundle name in dir to the GCS location url ("gs://bucket/prefix").
//
// A previously published program object is deleted first and the program is uploaded last, so readers
// never see a program next to config or weights of a different save.
func Publish(ctx context.Context, dir, name, url string) error {
	bucket, prefix, err := ParseGCSURL(url)
	if err != nil {
		return err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrap(err, "creating GCS storage client")
	}
	defer func() { _ = client.Close() }()
	if err = publishTo(ctx, gcsStore{bucket: client.Bucket(bucket)}, dir, name, prefix); err != nil {
		return errors.WithMessagef(err, "publishing bundle %q to %s", name, url)
	}
	return nil
}

// publishTo uploads the bundle files to store under prefix, in the order that keeps the published bundle
// consistent for readers.
func publishTo(ctx context.Context, store objectStore, dir, name, prefix string) error {
	configPath, weightsPath, programPath := Paths(dir, name)
	for _, path := range []string{configPath, weightsPath, programPath} {
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "bundle file %s", path)
		}
	}
	if err := store.Delete(ctx, objectName(prefix, filepath.Base(programPath))); err != nil {
		return err
	}
	for _, path := range []string{configPath, weightsPath, programPath} {
		if err := store.Upload(ctx, path, objectName(prefix, filepath.Base(path))); err != nil {
			return err
		}
	}
	return nil
}

func uploadFile(ctx context.Context, bucket *storage.BucketHandle, sourcePath, object string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return errors.Wrapf(err, "opening source file %s", sourcePath)
	}
	defer func() { _ = src.Close() }()

	startedAt := time.Now()
	w := bucket.Object(object).NewWriter(ctx)
	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "uploading %s to GCS", sourcePath)
	}
	if err = w.Close(); err != nil {
		return errors.Wrapf(err, "closing GCS writer for %s", object)
	}
	klog.V(1).Infof("uploaded %s to gs://%s/%s (%s in %s)", sourcePath, bucket.BucketName(), object,
		humanize.IBytes(uint64(n)), time.Since(startedAt))
	return nil
}

// Fetch downloads bundle name from the GCS location url into dir, with the same atomicity as Save: files are
// downloaded to temporary files and renamed into place with the program file last.
func Fetch(ctx context.Context, url, dir, name string) (err error) {
	bucket, prefix, err := ParseGCSURL(url)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory %s", dir)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrap(err, "creating GCS storage client")
	}
	defer func() { _ = client.Close() }()

	configPath, weightsPath, programPath := Paths(dir, name)
	finalPaths := []string{configPath, weightsPath, programPath}
	tempPaths := make([]string, 0, len(finalPaths))
	defer func() {
		if err == nil {
			return
		}
		for _, tempPath := range tempPaths {
			_ = os.Remove(tempPath)
		}
	}()
	for _, path := range finalPaths {
		var tempPath string
		tempPath, err = downloadToTemp(ctx, client.Bucket(bucket), objectName(prefix, filepath.Base(path)), dir)
		if tempPath != "" {
			tempPaths = append(tempPaths, tempPath)
		}
		if err != nil {
			return errors.WithMessagef(err, "fetching bundle %q from %s", name, url)
		}
	}
	if err = os.Remove(programPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing previous program %s", programPath)
	}
	err = nil
	for ii, path := range finalPaths {
		if err = os.Rename(tempPaths[ii], path); err != nil {
			return errors.Wrapf(err, "renaming %s to %s", tempPaths[ii], path)
		}
	}
	return nil
}

func downloadToTemp(ctx context.Context, bucket *storage.BucketHandle, object, dir string) (string, error) {
	r, err := bucket.Object(object).NewReader(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "opening object gs://%s/%s", bucket.BucketName(), object)
	}
	defer func() { _ = r.Close() }()

	startedAt := time.Now()
	tempFile, err := os.CreateTemp(dir, ".download.*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "creating temp file")
	}
	n, err := io.Copy(tempFile, r)
	if err != nil {
		_ = tempFile.Close()
		return tempFile.Name(), errors.Wrapf(err, "downloading gs://%s/%s", bucket.BucketName(), object)
	}
	if err = tempFile.Close(); err != nil {
		return tempFile.Name(), errors.Wrap(err, "closing temp file")
	}
	klog.V(1).Infof("downloaded gs://%s/%s (%s in %s)", bucket.BucketName(), object,
		humanize.IBytes(uint64(n)), time.Since(startedAt))
	return tempFile.Name(), nil
}

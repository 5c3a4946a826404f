// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package artifact uploads heal evidence to S3-compatible object
// storage. Archiving is best-effort: upload failures are logged and
// never change a heal result.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/heal/types"
)

const defaultUploadTimeout = 30 * time.Second

// Config parameterizes the object-storage client.
type Config struct {
	Enabled   bool
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool

	// Outcomes filters which results get archived. Empty means every
	// outcome.
	Outcomes []string

	// UploadTimeout bounds each archive run. Zero means 30 seconds.
	UploadTimeout time.Duration
}

// Archiver stores snapshots of healed pages under
// bucket/prefix/yyyy-mm-dd/<heal-id>/.
type Archiver struct {
	client        *minio.Client
	bucket        string
	prefix        string
	outcomes      map[types.Outcome]bool
	uploadTimeout time.Duration
}

// New builds an Archiver from the configured endpoint and credentials.
func New(cfg Config) (*Archiver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("artifact: endpoint cannot be empty")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact: bucket cannot be empty")
	}

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: failed to initialize object storage client: %w", err)
	}

	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}

	var outcomes map[types.Outcome]bool
	if len(cfg.Outcomes) > 0 {
		outcomes = make(map[types.Outcome]bool, len(cfg.Outcomes))
		for _, o := range cfg.Outcomes {
			outcomes[types.Outcome(o)] = true
		}
	}

	return &Archiver{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        cfg.Prefix,
		outcomes:      outcomes,
		uploadTimeout: timeout,
	}, nil
}

// EnsureBucket creates the configured bucket if it does not exist.
// Called once at startup.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("artifact: failed to check bucket %q: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("artifact: failed to create bucket %q: %w", a.bucket, err)
	}
	log.WithField("bucket", a.bucket).Info("Artifact bucket created")
	return nil
}

// Archive uploads the snapshot's screenshot and DOM for a finished heal.
// It returns immediately; uploads run in the background because the heal
// context ends with the attempt and evidence storage must never delay or
// fail a result.
func (a *Archiver) Archive(_ context.Context, result *types.HealResult, snapshot *types.UiSnapshot) {
	if !a.shouldArchive(result, snapshot) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.uploadTimeout)
		defer cancel()
		a.archive(ctx, result, snapshot)
	}()
}

func (a *Archiver) shouldArchive(result *types.HealResult, snapshot *types.UiSnapshot) bool {
	if result == nil || result.ID == "" {
		return false
	}
	if a.outcomes != nil && !a.outcomes[result.Outcome] {
		return false
	}
	if snapshot == nil || (len(snapshot.Screenshot) == 0 && snapshot.DOM == "") {
		return false
	}
	return true
}

func (a *Archiver) archive(ctx context.Context, result *types.HealResult, snapshot *types.UiSnapshot) {
	if len(snapshot.Screenshot) > 0 {
		key := a.objectKey(result, "screenshot.png")
		_, err := a.client.PutObject(ctx, a.bucket, key,
			bytes.NewReader(snapshot.Screenshot), int64(len(snapshot.Screenshot)),
			minio.PutObjectOptions{ContentType: "image/png"})
		if err != nil {
			log.WithFields(log.Fields{
				"heal_id": result.ID,
				"key":     key,
				"error":   err.Error(),
			}).Warn("Failed to archive heal screenshot")
		}
	}

	if snapshot.DOM != "" {
		data, err := compressDOM(snapshot.DOM)
		if err != nil {
			log.WithField("heal_id", result.ID).Warnf("Failed to compress heal DOM: %v", err)
			return
		}
		key := a.objectKey(result, "dom.html.gz")
		_, err = a.client.PutObject(ctx, a.bucket, key,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/gzip"})
		if err != nil {
			log.WithFields(log.Fields{
				"heal_id": result.ID,
				"key":     key,
				"error":   err.Error(),
			}).Warn("Failed to archive heal DOM")
		}
	}
}

func (a *Archiver) objectKey(result *types.HealResult, name string) string {
	day := result.CreatedAt
	if day.IsZero() {
		day = time.Now().UTC()
	}
	parts := make([]string, 0, 4)
	if a.prefix != "" {
		parts = append(parts, a.prefix)
	}
	parts = append(parts, day.Format("2006-01-02"), result.ID, name)
	return path.Join(parts...)
}

func compressDOM(dom string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(dom)); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

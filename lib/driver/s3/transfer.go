package s3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/onkernel/backupd/lib/backups"
	"github.com/onkernel/backupd/lib/logger"
)

// manifest lists the chunks of one backup in stream order.
type manifest struct {
	Version   string  `json:"version"`
	BackupID  string  `json:"backup_id"`
	VolumeID  string  `json:"volume_id"`
	ChunkSize int64   `json:"chunk_size"`
	Size      int64   `json:"size"`
	Chunks    []chunk `json:"chunks"`
}

type chunk struct {
	Key    string `json:"key"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	SHA256 string `json:"sha256"`
}

// Backup splits src into chunks of ChunkSize and uploads each, then writes
// the manifest. On failure the objects already written are removed.
func (d *Driver) Backup(ctx context.Context, b *backups.Backup, src io.Reader) (*backups.BackupUpdates, error) {
	log := logger.FromContext(ctx)

	m := manifest{
		Version:   manifestVersion,
		BackupID:  b.Id,
		VolumeID:  b.VolumeId,
		ChunkSize: d.cfg.ChunkSize,
	}
	// The small buffer is bypassed by the uploader's larger reads.
	reader := bufio.NewReaderSize(src, 64)

	for {
		c, done, err := d.writeChunk(ctx, b.Id, m.Size, reader)
		if err != nil {
			d.cleanupPartial(ctx, b.Id)
			return nil, err
		}
		if c != nil {
			m.Chunks = append(m.Chunks, *c)
			m.Size += c.Length
		}
		if done {
			break
		}
	}

	if err := d.putManifest(ctx, &m); err != nil {
		d.cleanupPartial(ctx, b.Id)
		return nil, err
	}

	log.InfoContext(ctx, "uploaded backup", "backup_id", b.Id, "bucket", d.cfg.Bucket, "chunks", len(m.Chunks), "bytes", m.Size)
	return &backups.BackupUpdates{
		Container:       d.cfg.Bucket,
		ServiceMetadata: d.backupPrefix(b.Id),
		ObjectCount:     len(m.Chunks) + 1,
	}, nil
}

// writeChunk uploads the next ChunkSize bytes of r. It returns a nil chunk
// when r is already exhausted, and done once the stream has ended.
func (d *Driver) writeChunk(ctx context.Context, backupID string, offset int64, r *bufio.Reader) (*chunk, bool, error) {
	if _, err := r.Peek(1); err == io.EOF {
		return nil, true, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("read backup source: %w", err)
	}

	key := d.backupPrefix(backupID) + uuid.NewString()
	limited := &io.LimitedReader{R: r, N: d.cfg.ChunkSize}
	sum := sha256.New()

	_, err := d.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(d.cfg.Bucket),
		Key:         aws.String(key),
		Body:        io.TeeReader(limited, sum),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, false, fmt.Errorf("upload chunk %s: %w", key, err)
	}

	written := d.cfg.ChunkSize - limited.N
	if written < 1 {
		return nil, false, fmt.Errorf("upload chunk %s: no bytes written", key)
	}
	c := &chunk{Key: key, Offset: offset, Length: written, SHA256: hex.EncodeToString(sum.Sum(nil))}

	_, err = r.Peek(1)
	return c, errors.Is(err, io.EOF), nil
}

func (d *Driver) putManifest(ctx context.Context, m *manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = d.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(d.cfg.Bucket),
		Key:         aws.String(d.manifestKey(m.BackupID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload manifest of backup %s: %w", m.BackupID, err)
	}
	return nil
}

func (d *Driver) getManifest(ctx context.Context, backupID string) (*manifest, error) {
	out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(d.manifestKey(backupID)),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrDataNotFound, backupID)
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest of backup %s: %w", backupID, err)
	}
	defer out.Body.Close()

	var m manifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest of backup %s: %w", backupID, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q for backup %s", m.Version, backupID)
	}
	return &m, nil
}

func (d *Driver) cleanupPartial(ctx context.Context, backupID string) {
	if err := d.deletePrefix(context.WithoutCancel(ctx), d.backupPrefix(backupID)); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to remove partial backup objects", "backup_id", backupID, "error", err)
	}
}

// Restore streams every chunk of b to dst in order, checking digests.
func (d *Driver) Restore(ctx context.Context, b *backups.Backup, volumeID string, dst io.Writer) error {
	log := logger.FromContext(ctx)

	m, err := d.getManifest(ctx, b.Id)
	if err != nil {
		return err
	}

	var total int64
	for _, c := range m.Chunks {
		n, err := d.restoreChunk(ctx, c, dst)
		if err != nil {
			return err
		}
		total += n
	}
	if total != m.Size {
		return fmt.Errorf("restore backup %s: wrote %d bytes, manifest lists %d", b.Id, total, m.Size)
	}

	log.InfoContext(ctx, "restored backup", "backup_id", b.Id, "volume_id", volumeID, "chunks", len(m.Chunks), "bytes", total)
	return nil
}

func (d *Driver) restoreChunk(ctx context.Context, c chunk, dst io.Writer) (int64, error) {
	out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(c.Key),
	})
	if isNotFound(err) {
		return 0, fmt.Errorf("%w: chunk %s", ErrDataNotFound, c.Key)
	}
	if err != nil {
		return 0, fmt.Errorf("get chunk %s: %w", c.Key, err)
	}
	defer out.Body.Close()

	sum := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, sum), out.Body)
	if err != nil {
		return n, fmt.Errorf("restore chunk %s: %w", c.Key, err)
	}
	if n != c.Length {
		return n, fmt.Errorf("restore chunk %s: got %d bytes, expected %d", c.Key, n, c.Length)
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != c.SHA256 {
		return n, fmt.Errorf("%w: chunk %s", ErrChecksumMismatch, c.Key)
	}
	return n, nil
}

// Delete removes every object under the backup's prefix.
func (d *Driver) Delete(ctx context.Context, b *backups.Backup) error {
	if err := d.deletePrefix(ctx, d.backupPrefix(b.Id)); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "deleted backup objects", "backup_id", b.Id, "bucket", d.cfg.Bucket)
	return nil
}

func (d *Driver) deletePrefix(ctx context.Context, prefix string) error {
	p := awss3.NewListObjectsV2Paginator(d.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(d.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := d.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(d.cfg.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects under %s: %w", prefix, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete objects under %s: %d failed, first %s: %s",
				prefix, len(out.Errors), aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// Verify checks that the manifest and every chunk it lists exist with the
// recorded sizes.
func (d *Driver) Verify(ctx context.Context, backupID string) error {
	m, err := d.getManifest(ctx, backupID)
	if err != nil {
		return err
	}
	for _, c := range m.Chunks {
		out, err := d.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(d.cfg.Bucket),
			Key:    aws.String(c.Key),
		})
		if isNotFound(err) {
			return fmt.Errorf("%w: chunk %s", ErrDataNotFound, c.Key)
		}
		if err != nil {
			return fmt.Errorf("head chunk %s: %w", c.Key, err)
		}
		if size := aws.ToInt64(out.ContentLength); size != c.Length {
			return fmt.Errorf("chunk %s is %d bytes, manifest lists %d", c.Key, size, c.Length)
		}
	}
	return nil
}

// ExportRecord returns where the backup's data lives.
func (d *Driver) ExportRecord(ctx context.Context, b *backups.Backup) (map[string]any, error) {
	return map[string]any{
		"bucket": d.cfg.Bucket,
		"prefix": d.backupPrefix(b.Id),
	}, nil
}

// ImportRecord accepts records written to this driver's bucket.
func (d *Driver) ImportRecord(ctx context.Context, b *backups.Backup, driverInfo map[string]any) error {
	bucket, _ := driverInfo["bucket"].(string)
	if bucket != d.cfg.Bucket {
		return fmt.Errorf("%w: record bucket %q, driver bucket %q", ErrForeignRecord, bucket, d.cfg.Bucket)
	}
	prefix, _ := driverInfo["prefix"].(string)
	if prefix != "" && prefix != d.backupPrefix(b.Id) {
		return fmt.Errorf("%w: record prefix %q does not belong to backup %s", ErrForeignRecord, prefix, b.Id)
	}
	return nil
}

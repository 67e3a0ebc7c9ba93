// Package proofstore persists the proof image captured with a detection and
// returns the reference stored on the attendance record.
package proofstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"classroll/internal/apperr"
)

// MaxImageBytes bounds a decoded proof image.
const MaxImageBytes = 5 << 20

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// Uploader stores an image and returns its public reference.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Cloudinary uploads proofs into a Cloudinary folder.
type Cloudinary struct {
	client *cloudinary.Cloudinary
	folder string
	log    *zap.Logger
}

// NewCloudinary creates an uploader from account credentials.
func NewCloudinary(cloudName, apiKey, apiSecret, folder string, logger *zap.Logger) (*Cloudinary, error) {
	if cloudName == "" || apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cloudinary{client: cld, folder: strings.Trim(folder, "/"), log: logger.With(zap.String("component", "cloudinary"))}, nil
}

// Upload sends data and returns the secure URL.
func (c *Cloudinary) Upload(ctx context.Context, name string, data []byte) (string, error) {
	overwrite := false
	res, err := c.client.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		Folder:       c.folder,
		PublicID:     name,
		ResourceType: "image",
		Overwrite:    &overwrite,
	})
	if err != nil {
		return "", apperr.Transient(fmt.Errorf("cloudinary upload: %w", err))
	}
	if res.Error.Message != "" {
		return "", fmt.Errorf("cloudinary upload: %s", res.Error.Message)
	}
	c.log.Debug("proof uploaded", zap.String("public_id", res.PublicID), zap.Int("bytes", res.Bytes))
	return res.SecureURL, nil
}

// DecodeImage accepts a data URL ("data:image/jpeg;base64,...") or bare
// base64 and returns the image bytes and detected MIME type. Only JPEG, PNG
// and WebP are accepted.
func DecodeImage(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 || !strings.HasSuffix(payload[:comma], ";base64") {
			return nil, "", apperr.Validationf("proof image must be a base64 data URL")
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, "", apperr.Validationf("proof image is empty")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes {
		return nil, "", apperr.Validationf("proof image exceeds %d bytes", MaxImageBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", apperr.Validationf("proof image is not valid base64")
	}
	kind, err := CheckImage(data)
	if err != nil {
		return nil, "", err
	}
	return data, kind, nil
}

// CheckImage sniffs raw bytes and returns their MIME type when it is an
// allowed image no larger than MaxImageBytes.
func CheckImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperr.Validationf("proof image is empty")
	}
	if len(data) > MaxImageBytes {
		return "", apperr.Validationf("proof image exceeds %d bytes", MaxImageBytes)
	}
	kind := strings.SplitN(mimetype.Detect(data).String(), ";", 2)[0]
	if !allowedTypes[kind] {
		return "", apperr.Validationf("proof image type %s not allowed", kind)
	}
	return kind, nil
}

// ObjectName is the public id of a proof taken for student at at.
func ObjectName(student string, at time.Time) string {
	base := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, student)
	base = strings.Trim(base, "-")
	if base == "" {
		base = "unknown"
	}
	return fmt.Sprintf("%s-%s", base, at.UTC().Format("20060102T150405.000"))
}

// Store decodes a proof payload and uploads it.
func Store(ctx context.Context, up Uploader, student string, at time.Time, payload string) (string, error) {
	data, _, err := DecodeImage(payload)
	if err != nil {
		return "", err
	}
	return up.Upload(ctx, ObjectName(student, at), data)
}

// StoreBytes uploads an image that arrived as raw bytes, e.g. a multipart file.
func StoreBytes(ctx context.Context, up Uploader, student string, at time.Time, data []byte) (string, error) {
	if _, err := CheckImage(data); err != nil {
		return "", err
	}
	return up.Upload(ctx, ObjectName(student, at), data)
}

package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/repository"
	"github.com/digkill/genstudio/internal/storage"
)

var ErrArchivalFailure = errors.New("archival failed")

// maxInlineDownload caps images and audio, which are read fully into memory.
const maxInlineDownload = 64 << 20

type AssetStore interface {
	FindByURLHash(ctx context.Context, generationID, urlHash string) (*models.ArchivedAsset, error)
	Create(ctx context.Context, a *models.ArchivedAsset) (int64, error)
}

type BlobStore interface {
	Upload(ctx context.Context, dir string, data []byte, contentType string) (storage.Object, error)
	UploadStream(ctx context.Context, dir string, body io.Reader, contentType string) (storage.Object, error)
}

type ArchiveRequest struct {
	UserID       int64
	GenerationID string
	OutputURL    string
	Kind         models.GenerationKind
	Prompt       string
}

type ArchiveService struct {
	assets AssetStore
	blobs  BlobStore
	client *http.Client
	log    zerolog.Logger
}

func NewArchiveService(assets AssetStore, blobs BlobStore, downloadTimeout time.Duration, log zerolog.Logger) *ArchiveService {
	if downloadTimeout <= 0 {
		downloadTimeout = 2 * time.Minute
	}
	return &ArchiveService{
		assets: assets,
		blobs:  blobs,
		client: &http.Client{Timeout: downloadTimeout},
		log:    log.With().Str("component", "archiver").Logger(),
	}
}

// Archive copies one provider output into durable storage and records it.
// Calling it again for the same generation and URL returns the existing asset id.
func (s *ArchiveService) Archive(ctx context.Context, req ArchiveRequest) (int64, error) {
	hash := URLHash(req.OutputURL)

	existing, err := s.assets.FindByURLHash(ctx, req.GenerationID, hash)
	if err != nil {
		return 0, fmt.Errorf("%w: lookup: %w", ErrArchivalFailure, err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	asset := &models.ArchivedAsset{
		UserID:       req.UserID,
		GenerationID: req.GenerationID,
		Title:        titleFor(req),
		Prompt:       req.Prompt,
		OriginalURL:  req.OutputURL,
		URLHash:      hash,
	}
	dir := path.Join("users", strconv.FormatInt(req.UserID, 10), req.GenerationID)

	if req.Kind.Media() == models.MediaVideo {
		err = s.streamVideo(ctx, req.OutputURL, dir, asset)
	} else {
		err = s.storeInline(ctx, req.OutputURL, dir, asset)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrArchivalFailure, err)
	}

	id, err := s.assets.Create(ctx, asset)
	if errors.Is(err, repository.ErrDuplicate) {
		winner, findErr := s.assets.FindByURLHash(ctx, req.GenerationID, hash)
		if findErr != nil || winner == nil {
			return 0, fmt.Errorf("%w: resolve duplicate: %v", ErrArchivalFailure, findErr)
		}
		s.log.Info().Str("generation_id", req.GenerationID).Str("object", asset.LocalPath).Msg("concurrent archive won, stored copy is orphaned")
		return winner.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: record asset: %w", ErrArchivalFailure, err)
	}

	s.log.Info().Str("generation_id", req.GenerationID).Int64("asset_id", id).Str("mime", asset.MimeType).Int64("size", asset.FileSize).Msg("output archived")
	return id, nil
}

func (s *ArchiveService) streamVideo(ctx context.Context, url, dir string, asset *models.ArchivedAsset) error {
	resp, err := s.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	contentType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "video/mp4"
	}

	counter := &countingReader{r: resp.Body}
	obj, err := s.blobs.UploadStream(ctx, dir, counter, contentType)
	if err != nil {
		return fmt.Errorf("stream upload: %w", err)
	}
	asset.LocalPath = obj.Key
	asset.FileName = path.Base(obj.Key)
	asset.FileSize = counter.n
	asset.MimeType = contentType
	return nil
}

func (s *ArchiveService) storeInline(ctx context.Context, url, dir string, asset *models.ArchivedAsset) error {
	resp, err := s.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineDownload+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxInlineDownload {
		return fmt.Errorf("output exceeds %d bytes", maxInlineDownload)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty output")
	}

	mime := mimetype.Detect(data)
	contentType := mime.String()
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}

	if strings.HasPrefix(contentType, "image/") {
		if normalized, w, h, err := normalizeImage(data); err == nil {
			data, contentType = normalized, "image/png"
			asset.Width, asset.Height = &w, &h
		} else {
			s.log.Warn().Err(err).Str("mime", contentType).Msg("image not decodable, storing original bytes")
		}
	}

	obj, err := s.blobs.Upload(ctx, dir, data, contentType)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	asset.LocalPath = obj.Key
	asset.FileName = path.Base(obj.Key)
	asset.FileSize = int64(len(data))
	asset.MimeType = contentType
	return nil
}

func (s *ArchiveService) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

// normalizeImage re-encodes any decodable image as PNG.
func normalizeImage(data []byte) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, 0, 0, fmt.Errorf("encode png: %w", err)
	}
	b := img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// URLHash is the idempotency key of an output URL within a generation.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func titleFor(req ArchiveRequest) string {
	title := strings.TrimSpace(req.Prompt)
	if title == "" {
		return string(req.Kind)
	}
	const maxRunes = 80
	if utf8.RuneCountInString(title) > maxRunes {
		runes := []rune(title)
		title = string(runes[:maxRunes]) + "…"
	}
	return title
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

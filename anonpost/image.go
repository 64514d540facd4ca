package anonpost

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

const imageAttachmentName = "image.png"

// imageFetcher downloads images from user-supplied URLs. Downloads are
// paced by limiter and capped at maxBytes.
type imageFetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
	logger   *slog.Logger
}

func newImageFetcher(cfg *ImageConfig, client *http.Client, logger *slog.Logger) *imageFetcher {
	if cfg == nil {
		cfg = &ImageConfig{}
	}
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout > 0 {
		// copy, so the timeout doesn't leak into the caller's client
		c := *client
		c.Timeout = cfg.Timeout
		client = &c
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &imageFetcher{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		maxBytes: cfg.MaxBytes,
		logger:   logger.With(loggerNameKey, "image_fetcher"),
	}
}

type fetchedImage struct {
	data        []byte
	contentType string
}

// file returns the image as a message attachment, referenced in embeds
// as attachment://image.png
func (f fetchedImage) file() *discordgo.File {
	return &discordgo.File{
		Name:        imageAttachmentName,
		ContentType: f.contentType,
		Reader:      bytes.NewReader(f.data),
	}
}

func (f fetchedImage) dataURI() string {
	return fmt.Sprintf(
		"data:%s;base64,%s",
		f.contentType,
		base64.StdEncoding.EncodeToString(f.data),
	)
}

// isImage returns true if the response content type is image/*
func (f fetchedImage) isImage() bool {
	mediaType, _, err := mime.ParseMediaType(f.contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}

// fetch downloads the URL. Any transport error, non-200 status or
// oversized body is returned as ErrTransientFetch.
func (i *imageFetcher) fetch(ctx context.Context, url string) (*fetchedImage, error) {
	logger := i.logger.With("url", url)

	if err := i.limiter.Wait(ctx); err != nil {
		return nil, fetchError(fmt.Errorf("rate limit wait: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetchError(err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		logger.WarnContext(ctx, "image request failed", "error", err)
		return nil, fetchError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		logger.WarnContext(ctx, "unexpected image status", "status", resp.StatusCode)
		return nil, fetchError(fmt.Errorf("unexpected status: %s", resp.Status))
	}

	var body io.Reader = resp.Body
	if i.maxBytes > 0 {
		body = io.LimitReader(resp.Body, i.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fetchError(err)
	}
	if i.maxBytes > 0 && int64(len(data)) > i.maxBytes {
		return nil, fetchError(fmt.Errorf("image exceeds %d bytes", i.maxBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	logger.DebugContext(
		ctx,
		"fetched image",
		"bytes", len(data),
		"content_type", contentType,
	)
	return &fetchedImage{data: data, contentType: contentType}, nil
}

func fetchError(err error) error {
	return newUserError(ErrTransientFetch, msgImageFetchFailed, err)
}

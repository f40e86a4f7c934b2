package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/ammoindex/datafeed/model"
)

// feedConfig is the merge-patchable subset of a feed. Secrets and
// identity fields (sourceId, kind, lock id) are deliberately absent.
type feedConfig struct {
	Transport   string `json:"transport"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	Username    string `json:"username"`
	Format      string `json:"format"`
	Compression string `json:"compression"`

	ScheduleFrequencyHours int     `json:"scheduleFrequencyHours"`
	ExpiryHours            int     `json:"expiryHours"`
	ExpiryMaxFraction      float64 `json:"expiryMaxFraction"`
	MaxFileSizeBytes       int64   `json:"maxFileSizeBytes"`
	MaxRowCount            int     `json:"maxRowCount"`
}

func configOf(f *model.Feed) feedConfig {
	return feedConfig{
		Transport: string(f.Transport), Host: f.Host, Port: f.Port,
		Path: f.Path, Username: f.Username,
		Format: f.Format, Compression: string(f.Compression),
		ScheduleFrequencyHours: f.ScheduleFrequencyHours,
		ExpiryHours:            f.ExpiryHours,
		ExpiryMaxFraction:      f.ExpiryMaxFraction,
		MaxFileSizeBytes:       f.MaxFileSizeBytes,
		MaxRowCount:            f.MaxRowCount,
	}
}

func (c feedConfig) validate() error {
	switch model.TransportKind(c.Transport) {
	case model.TransportFTP, model.TransportSFTP:
	default:
		return fmt.Errorf("transport must be FTP or SFTP, got %q", c.Transport)
	}
	switch model.Compression(c.Compression) {
	case model.CompressionNone, model.CompressionGzip:
	default:
		return fmt.Errorf("compression must be NONE or GZIP, got %q", c.Compression)
	}
	if c.Format != "CSV" {
		return fmt.Errorf("format must be CSV, got %q", c.Format)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ScheduleFrequencyHours <= 0 {
		return fmt.Errorf("scheduleFrequencyHours must be positive")
	}
	if c.ExpiryHours <= 0 {
		return fmt.Errorf("expiryHours must be positive")
	}
	if c.ExpiryMaxFraction <= 0 || c.ExpiryMaxFraction > 1 {
		return fmt.Errorf("expiryMaxFraction must lie in (0, 1]")
	}
	if c.MaxFileSizeBytes < 0 || c.MaxRowCount < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	return nil
}

func (c feedConfig) applyTo(f *model.Feed) {
	f.Transport = model.TransportKind(c.Transport)
	f.Host, f.Port, f.Path, f.Username = c.Host, c.Port, c.Path, c.Username
	f.Format = c.Format
	f.Compression = model.Compression(c.Compression)
	f.ScheduleFrequencyHours = c.ScheduleFrequencyHours
	f.ExpiryHours = c.ExpiryHours
	f.ExpiryMaxFraction = c.ExpiryMaxFraction
	f.MaxFileSizeBytes = c.MaxFileSizeBytes
	f.MaxRowCount = c.MaxRowCount
}

// UpdateFeedConfig applies an RFC 7396 merge patch to the feed's mutable
// configuration. Unknown fields in the patch are rejected.
func (s *Service) UpdateFeedConfig(ctx context.Context, feedID int64, patch []byte) Result {
	f, err := s.store.FeedByID(ctx, feedID)
	if err != nil {
		return fail("loading feed %d: %v", feedID, err)
	}

	current, err := json.Marshal(configOf(f))
	if err != nil {
		return fail("marshaling current config: %v", err)
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return fail("applying merge patch: %v", err)
	}

	var next feedConfig
	var dec = json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err = dec.Decode(&next); err != nil {
		return fail("decoding merged config: %v", err)
	}
	if err = next.validate(); err != nil {
		return fail("invalid config: %v", err)
	}

	next.applyTo(f)
	if err = s.store.UpdateFeedConfig(ctx, f, s.now()); err != nil {
		return fail("persisting config for feed %d: %v", feedID, err)
	}
	return ok("feed %d config updated", feedID)
}

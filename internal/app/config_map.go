package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"lecturebot/internal/admin"
	"lecturebot/internal/catalog"
	"lecturebot/internal/config"
	"lecturebot/internal/delivery"
	"lecturebot/internal/media"
	"lecturebot/internal/storage"
	telegram "lecturebot/internal/transport/telegram/adapter"
	"lecturebot/internal/uploader"
	logx "lecturebot/pkg/logx"
)

const defaultStorePath = "./bot_config.json"

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := parseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	upload, err := parseDurationOrDefault("telegram.upload_timeout", t.UploadTimeout, delivery.DefaultUploadTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	if t.RatePerSec < 0 {
		return telegram.Config{}, errors.New("telegram.rate_per_sec must be >= 0")
	}
	return telegram.Config{
		Token:         strings.TrimSpace(t.Token),
		URL:           strings.TrimSpace(t.APIURL),
		PollTimeout:   poll,
		UploadTimeout: upload,
		RatePerSec:    t.RatePerSec,
	}, nil
}

func parseGroupLog(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return id, nil
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	chatID, err := parseGroupLog(cfg.Telegram.GroupLog)
	if err != nil {
		return logx.Config{}, err
	}
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStorePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCatalogConfig(cfg *config.Config) (catalog.Config, catalog.TranscoderConfig, error) {
	ct, err := parseDurationOrDefault("catalog.timeout", cfg.Catalog.Timeout, catalog.DefaultTimeout)
	if err != nil {
		return catalog.Config{}, catalog.TranscoderConfig{}, err
	}
	tt, err := parseDurationOrDefault("transcoder.timeout", cfg.Transcoder.Timeout, catalog.DefaultTimeout)
	if err != nil {
		return catalog.Config{}, catalog.TranscoderConfig{}, err
	}
	return catalog.Config{
			BaseURL:       cfg.Catalog.BaseURL,
			ClientID:      cfg.Catalog.ClientID,
			ClientVersion: cfg.Catalog.ClientVersion,
			Timeout:       ct,
		}, catalog.TranscoderConfig{
			URL:     cfg.Transcoder.URL,
			Timeout: tt,
		}, nil
}

func mapDownloaderConfig(cfg *config.Config) (media.Config, error) {
	d := cfg.Downloader
	timeout, err := parseDurationOrDefault("downloader.timeout", d.Timeout, media.DefaultTimeout)
	if err != nil {
		return media.Config{}, err
	}
	return media.Config{
		Binary:    d.Binary,
		ExtraArgs: append([]string(nil), d.Args...),
		TempDir:   d.TempDir,
		Timeout:   timeout,
	}, nil
}

func mapUploaderConfig(cfg *config.Config) (uploader.Config, error) {
	u := cfg.Uploader
	var (
		out uploader.Config
		err error
	)
	// Zero means "use the default"; uploader.Config applies it.
	if out.WarmUp, err = parseDurationField("uploader.warm_up", u.WarmUp); err != nil {
		return out, err
	}
	if out.Interval, err = parseDurationField("uploader.interval", u.Interval); err != nil {
		return out, err
	}
	if out.RetryInterval, err = parseDurationField("uploader.retry_interval", u.RetryInterval); err != nil {
		return out, err
	}
	if out.DocumentPacing, err = parseDurationField("uploader.document_pacing", u.DocumentPacing); err != nil {
		return out, err
	}
	spec := strings.TrimSpace(u.Reconcile)
	if spec == "" {
		spec = uploader.DefaultReconcileSpec
	}
	if !strings.EqualFold(spec, "off") {
		if _, err := cron.ParseStandard(spec); err != nil {
			return out, fmt.Errorf("uploader.reconcile: invalid cron spec %q: %w", spec, err)
		}
	}
	out.ReconcileSpec = spec
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	rt, err := parseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// pprof profiles run for 30s by default.
	wt, err := parseDurationField("admin.write_timeout", a.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := parseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = admin.DefaultAddr
	}
	return admin.Config{
		Enabled:       a.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// Validate checks credentials and every section mapping. It is the startup
// gate and the hot-reload validator.
func Validate(cfg *config.Config) error {
	if err := config.RequireCredentials(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapCatalogConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDownloaderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapUploaderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	return nil
}

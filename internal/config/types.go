package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Omitted sections fall back to built-in defaults.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Catalog    CatalogConfig    `json:"catalog"`
	Transcoder TranscoderConfig `json:"transcoder"`
	Downloader DownloaderConfig `json:"downloader"`
	Uploader   UploaderConfig   `json:"uploader"`
	Admin      AdminConfig      `json:"admin"`
}

type TelegramConfig struct {
	// Token may be supplied through BOT_TOKEN instead.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// APIURL points at a self-hosted Bot API server (larger uploads).
	APIURL        string  `json:"api_url,omitempty"`
	PollTimeout   string  `json:"poll_timeout"`
	UploadTimeout string  `json:"upload_timeout,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "file", "path": "./bot_config.json" }
//	"storage": { "driver": "sqlite", "path": "./lecturebot.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CatalogConfig struct {
	BaseURL       string `json:"base_url,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

type TranscoderConfig struct {
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type DownloaderConfig struct {
	Binary  string   `json:"binary,omitempty"`
	Args    []string `json:"args,omitempty"`
	TempDir string   `json:"temp_dir,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type UploaderConfig struct {
	WarmUp         string `json:"warm_up,omitempty"`
	Interval       string `json:"interval,omitempty"`
	RetryInterval  string `json:"retry_interval,omitempty"`
	DocumentPacing string `json:"document_pacing,omitempty"`
	// Reconcile is a cron spec for the task reconcile job ("off" disables).
	Reconcile string `json:"reconcile,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - A non-loopback address needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

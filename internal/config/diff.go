package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "lecturebot/pkg/logx"
)

// liveSections apply without a restart.
var liveSections = []string{"logging", "owners"}

// SummarizeConfigChange returns the changed section names and safe attrs for
// logging. Secrets (bot token, admin token, batch tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("owners", logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.PollTimeout != nt.PollTimeout ||
		ot.UploadTimeout != nt.UploadTimeout || ot.RatePerSec != nt.RatePerSec {
		mark("telegram",
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.String("telegram.upload_timeout", strings.TrimSpace(nt.UploadTimeout)),
		)
	}
	if ot.GroupLog != nt.GroupLog || !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
			logx.Bool("logging.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Catalog != newCfg.Catalog {
		mark("catalog", logx.String("catalog.base_url", newCfg.Catalog.BaseURL))
	}
	if oldCfg.Transcoder != newCfg.Transcoder {
		mark("transcoder", logx.String("transcoder.url", newCfg.Transcoder.URL))
	}
	if !reflect.DeepEqual(oldCfg.Downloader, newCfg.Downloader) {
		mark("downloader", logx.String("downloader.binary", newCfg.Downloader.Binary))
	}
	if oldCfg.Uploader != newCfg.Uploader {
		mark("uploader", logx.String("uploader.interval", newCfg.Uploader.Interval))
	}
	oa, na := oldCfg.Admin, newCfg.Admin
	oa.Token, na.Token = "", ""
	if oa != na || (oldCfg.Admin.Token == "") != (newCfg.Admin.Token == "") {
		mark("admin",
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !slices.Contains(liveSections, s) {
			out = append(out, s)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	EnvBotToken    = "BOT_TOKEN"
	EnvAdminUserID = "ADMIN_USER_ID"
)

var (
	ErrNoToken  = errors.New("telegram token is not set (telegram.token or " + EnvBotToken + ")")
	ErrNoOwners = errors.New("no owner configured (telegram.owner_user_ids or " + EnvAdminUserID + ")")
)

// ApplyEnv overlays credentials from the environment. BOT_TOKEN replaces
// telegram.token; ADMIN_USER_ID (comma separated) is merged into the owners.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil || getenv == nil {
		return nil
	}
	if tok := strings.TrimSpace(getenv(EnvBotToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	raw := strings.TrimSpace(getenv(EnvAdminUserID))
	if raw == "" {
		return nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid user id %q: %w", EnvAdminUserID, part, err)
		}
		if !slices.Contains(cfg.Telegram.OwnerUserIDs, id) {
			cfg.Telegram.OwnerUserIDs = append(cfg.Telegram.OwnerUserIDs, id)
		}
	}
	return nil
}

// RequireCredentials refuses a config the bot cannot run with.
func RequireCredentials(cfg *Config) error {
	if cfg == nil || strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrNoToken
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return ErrNoOwners
	}
	return nil
}

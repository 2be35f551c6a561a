// Package logx configures the bot's structured logging.
//
// Logger is a thin wrapper over zerolog:
//   - console output stays short and readable
//   - file output is JSON
//   - an optional Telegram sink forwards records above a minimum level, rate limited
package logx

// Package logx configures structured logging for the bot.
//
// A small value-type wrapper (logx.Logger) sits on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON lines
//   - an optional Telegram sink forwards WARN+ records to an operator chat
package logx

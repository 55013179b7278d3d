// Package logging configures the global zerolog logger for the process.
package logging

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/switchboard-rt/switchboard/internal/config"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logLevelMatches = map[string]zerolog.Level{
	"NONE":  zerolog.NoLevel,
	"TRACE": zerolog.TraceLevel,
	"DEBUG": zerolog.DebugLevel,
	"INFO":  zerolog.InfoLevel,
	"WARN":  zerolog.WarnLevel,
	"ERROR": zerolog.ErrorLevel,
	"FATAL": zerolog.FatalLevel,
}

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35

	colorBold = 1
)

// colorize returns the string s wrapped in ANSI code c.
func colorize(s interface{}, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

func consoleFormatLevel() zerolog.Formatter {
	return func(i interface{}) string {
		if ll, ok := i.(string); ok {
			switch ll {
			case "trace":
				return colorize("TRC", colorMagenta)
			case "debug":
				return colorize("DBG", colorMagenta)
			case "info":
				return colorize("INF", colorGreen)
			case "warn":
				return colorize("WRN", colorYellow)
			case "error":
				return colorize("ERR", colorRed)
			case "fatal":
				return colorize(colorize("FTL", colorRed), colorBold)
			}
		}
		return colorize("???", colorBold)
	}
}

func isTerminalAttached() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && runtime.GOOS != "windows"
}

func configureConsoleWriter() {
	if isTerminalAttached() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			TimeFormat:  "2006-01-02 15:04:05",
			FormatLevel: consoleFormatLevel(),
		})
	}
}

// Setup configures the global logger according to the configuration.
// It returns a close function which must be called on shutdown when a
// log file is used (may be nil).
func Setup(cfg config.Config) func() {
	configureConsoleWriter()
	logLevel, ok := logLevelMatches[strings.ToUpper(cfg.Log.Level)]
	if !ok {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("error opening log file")
		}
		log.Logger = log.Output(f)
		return func() {
			_ = f.Close()
		}
	}
	return nil
}

// Enabled reports whether the global logger currently emits events
// at the given level. Useful to avoid building expensive log payloads.
func Enabled(level zerolog.Level) bool {
	return zerolog.GlobalLevel() <= level
}

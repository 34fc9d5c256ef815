package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog      zerolog.Logger
	diagFile     *os.File
	transmitFile *os.File
	logMu        sync.Mutex
	logReady     atomic.Bool
	pid          int
	dir          string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: MICGATE_LOG_PATH environment variable
	envPath := os.Getenv("MICGATE_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transmitPath := filepath.Join(dir, "transmit_log.txt")
	transmitFile, err = os.OpenFile(transmitPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady.Store(true)
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady.Store(false)
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transmitFile != nil {
		transmitFile.Close()
		transmitFile = nil
	}
}

func Info(msg string) {
	if logReady.Load() {
		diagLog.Info().Msg(msg)
	}
}

func Debugf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady.Load() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady.Load() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// TapEvent records a graph mutation performed through the bridge.
func TapEvent(op string, bus int, err error) {
	if !logReady.Load() {
		return
	}
	if err != nil {
		diagLog.Error().Str("op", op).Int("bus", bus).Err(err).Msg("tap")
		return
	}
	diagLog.Info().Str("op", op).Int("bus", bus).Msg("tap")
}

// BridgeFailure records a recovered native failure with its stack.
func BridgeFailure(name, reason string, stack []byte) {
	if !logReady.Load() {
		return
	}
	diagLog.Warn().Str("exception", name).Str("reason", reason).Msg("native_failure")
	diagLog.Debug().Bytes("stack", stack).Msg("native_failure_stack")
}

func ConfigApplied(mode string, vadMin, vadMax float64, vadKind, codec string, bitrate, frames int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("mode", mode).
		Float64("vad_min", vadMin).
		Float64("vad_max", vadMax).
		Str("vad_kind", vadKind).
		Str("codec", codec).
		Int("bitrate", bitrate).
		Int("frames", frames).
		Msg("config_applied")
}

func TransmitChange(mode string, on bool) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("mode", mode).
		Bool("transmitting", on).
		Msg("transmit")
}

// Transmission appends one finished transmit interval to transmit_log.txt.
func Transmission(mode string, d time.Duration) {
	if !logReady.Load() {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transmitFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\t%.2fs\n", time.Now().Format("2006-01-02 15:04:05"), pid, mode, d.Seconds())
	transmitFile.WriteString(line)
}

func SessionStart(device, mode string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("device", device).
		Str("mode", mode).
		Msg("session_start")
}

func SessionEnd(transmissions int, dropped uint64) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Int("transmissions", transmissions).
		Uint64("dropped_updates", dropped).
		Msg("session_end")
}

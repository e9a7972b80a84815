package logger

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	mu          sync.Mutex
	initialized bool
)

// Init configures the global zerolog logger for appName at the given level
// (DEBUG, INFO, WARN, ERROR, FATAL, PANIC or DISABLED). An empty level means
// INFO. Later calls only change the level.
func Init(appName, level string) error {
	return InitWithWriter(os.Stdout, appName, level)
}

// InitWithWriter is Init writing to out.
func InitWithWriter(out io.Writer, appName, level string) error {
	if level == "" {
		level = "INFO"
	}
	if err := setLogLevel(level); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if initialized {
		log.Debug().Msg("Logger already initialized!")
		return nil
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "02-01-2006 15:04:05.000",
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("%-6s", i))
		},
		FieldsExclude: []string{"applicationName"},
		PartsOrder: []string{
			"applicationName",
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.CallerFieldName,
			zerolog.MessageFieldName,
		},
	}).With().Timestamp().Caller().Str("applicationName", appName).Logger()

	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		parts := strings.Split(file, "/")
		return parts[len(parts)-1] + ":" + strconv.Itoa(line)
	}
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		return fmt.Sprintf("%s\n%s", err, debug.Stack())
	}

	initialized = true
	log.Debug().Msg("Logger initialized!")
	return nil
}

func setLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "INFO":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "FATAL":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "PANIC":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	case "DISABLED":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		return fmt.Errorf("incorrect log level %q", level)
	}
	return nil
}

package sshhoneypot

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LOG_FORMAT_TEXT string = "text"
const LOG_FORMAT_JSON string = "json"

type LoggerInterface interface {
	Printf(format string, v ...any)
	Println(v ...any)
}

// zapLogger lets a zap logger stand in wherever a LoggerInterface is taken.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (logger zapLogger) Printf(format string, v ...any) {
	logger.sugar.Info(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}

func (logger zapLogger) Println(v ...any) {
	logger.sugar.Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// NewLogger writes to stdout and, when path is not "" or "-", also appends
// to the file at path. The returned closer releases the file.
func NewLogger(path string, format string) (LoggerInterface, io.Closer, error) {
	var output io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)

	if path != "" && path != "-" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		output = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	switch format {
	case LOG_FORMAT_JSON:
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(output),
			zap.InfoLevel,
		)
		return zapLogger{sugar: zap.New(core, zap.AddCaller()).Sugar()}, closer, nil
	case LOG_FORMAT_TEXT, "":
		return log.New(output, "", log.Ldate|log.Ltime|log.Lshortfile), closer, nil
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Package logging builds the zap logger of the command line.
package logging

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New returns a logger writing to w. The json format uses the production
// encoder, the console format the development one.
func New(level, format string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	var config zap.Config
	switch format {
	case FormatJSON:
		config = zap.NewProductionConfig()
	case FormatConsole:
		config = zap.NewDevelopmentConfig()
	default:
		return nil, errors.Errorf("invalid log format %q", format)
	}

	var encoder zapcore.Encoder
	if format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(config.EncoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))

	return zap.New(core, zap.ErrorOutput(zapcore.AddSync(w))), nil
}

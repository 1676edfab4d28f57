package log

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

type logrusAdapter struct {
	entry *logrus.Entry
}

func newLogger(cfg *Config) (Logger, error) {
	cfg = cfg.withDefaults()

	l := logrus.New()
	l.SetFormatter(&formatter{pattern: cfg.Pattern, time: cfg.Time})
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	out := NewMultiWriter().Add(os.Stdout)
	for _, ap := range cfg.Appenders {
		if err := attachAppender(out, ap); err != nil {
			return nil, err
		}
	}
	l.SetOutput(out)

	return &logrusAdapter{entry: logrus.NewEntry(l)}, nil
}

func attachAppender(out *MultiWriter, ap AppenderConfig) error {
	switch ap.Type {
	case "file":
		var opt FileAppenderOpt
		if err := mapstructure.Decode(ap.Options, &opt); err != nil {
			return fmt.Errorf("file appender options: %w", err)
		}
		out.AddFileAppender(opt)
	case "kafka":
		var opt KafkaAppenderOpt
		if err := mapstructure.Decode(ap.Options, &opt); err != nil {
			return fmt.Errorf("kafka appender options: %w", err)
		}
		out.AddKafkaAppender(opt)
	case "loki":
		var opt LokiAppenderOpt
		if err := mapstructure.Decode(ap.Options, &opt); err != nil {
			return fmt.Errorf("loki appender options: %w", err)
		}
		w, err := NewLokiWriter(LokiConfig{
			Endpoint:      opt.Endpoint,
			Labels:        opt.Labels,
			BatchSize:     opt.BatchSize,
			FlushInterval: opt.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("loki appender: %w", err)
		}
		out.Add(w)
	default:
		return fmt.Errorf("unknown appender type %q", ap.Type)
	}
	return nil
}

func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }

func (l *logrusAdapter) Trace(args ...interface{})                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
}
func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}
func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}

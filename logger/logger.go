package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is the structured field set attached to an entry.
type Fields map[string]interface{}

// Log wraps logrus.Logger with component aware helpers.
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry so chained helpers keep returning our type.
type Entry struct {
	*logrus.Entry
}

var globalLogger *Log

func init() {
	globalLogger = Logger()
}

// Logger builds a JSON logger whose level comes from LOG_LEVEL.
func Logger() *Log {
	l := &Log{Logger: logrus.New()}
	l.SetReportCaller(true)
	l.SetLevel(parseLevelOr(os.Getenv("LOG_LEVEL"), logrus.InfoLevel))
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})
	return l
}

func GetLogger() *Log {
	return globalLogger
}

func parseLevelOr(level string, fallback logrus.Level) logrus.Level {
	if level == "" {
		return fallback
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		return lvl
	}
	return fallback
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// WithPair tags the entry with the trading pair it concerns.
func (e *Entry) WithPair(pair string) *Entry {
	return &Entry{Entry: e.Entry.WithField("pair", pair)}
}

func (e *Entry) Info(args ...interface{}) {
	e.Entry.Info(args...)
}

func (e *Entry) Debug(args ...interface{}) {
	e.Entry.Debug(args...)
}

func (e *Entry) Warn(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordWarn(component)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordError(component)
	}
	e.Entry.Error(args...)
}

// LogMetric logs a metric line and forwards numeric values to CloudWatch.
func (e *Entry) LogMetric(component string, metric string, value interface{}, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	fields["metric"] = metric
	fields["value"] = value
	e.WithComponent(component).WithFields(fields).Info("metric")

	var val float64
	switch v := value.(type) {
	case int:
		val = float64(v)
	case int64:
		val = float64(v)
	case float64:
		val = v
	default:
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	if pair, ok := fields["pair"].(string); ok {
		dims = append(dims, cwtypes.Dimension{Name: aws.String("pair"), Value: aws.String(pair)})
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(val),
	}})
}

// Configure applies the logging section of the config. LOG_LEVEL, when set,
// wins over the configured level.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	l.SetLevel(lvl)
	l.SetReportCaller(true)

	switch format {
	case "json", "":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		w, err := fileOutput(output, maxAge)
		if err != nil {
			return err
		}
		l.SetOutput(w)
	}
	return nil
}

func fileOutput(path string, maxAge int) (io.Writer, error) {
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: path,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", path, err)
	}
	return file, nil
}

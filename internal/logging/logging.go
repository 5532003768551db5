package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// logger is the process-wide instance. Emission goes through sinks only;
// the logger's own output is discarded.
var logger = log.New()

func init() {
	logger.SetOutput(io.Discard)
	logger.SetLevel(log.WarnLevel)
	AddSink(NewConsoleSink(os.Stdout, os.Stderr))
}

// L returns the process-wide logger.
func L() *log.Logger {
	return logger
}

// Setup adjusts the level filter from the CLI verbosity count:
// 0 warn, 1 info, 2 debug, 3+ trace.
func Setup(verbosity int) {
	switch {
	case verbosity <= 0:
		logger.SetLevel(log.WarnLevel)
	case verbosity == 1:
		logger.SetLevel(log.InfoLevel)
	case verbosity == 2:
		logger.SetLevel(log.DebugLevel)
	default:
		logger.SetLevel(log.TraceLevel)
	}
}

// AddSink registers an additional sink. Sinks receive every emission that
// passes the level filter and decide formatting and destination themselves.
func AddSink(sink log.Hook) {
	logger.AddHook(sink)
}

// ConsoleSink writes diagnostic levels (trace, debug, error and above) to
// the error stream and the rest to the output stream.
type ConsoleSink struct {
	out       io.Writer
	err       io.Writer
	formatter log.Formatter
}

func NewConsoleSink(out, err io.Writer) *ConsoleSink {
	return &ConsoleSink{
		out: out,
		err: err,
		formatter: &log.TextFormatter{
			FullTimestamp:          true,
			DisableLevelTruncation: true,
		},
	}
}

func (s *ConsoleSink) Levels() []log.Level {
	return log.AllLevels
}

func (s *ConsoleSink) Fire(entry *log.Entry) error {
	line, err := s.formatter.Format(entry)
	if err != nil {
		return err
	}
	w := s.out
	switch entry.Level {
	case log.TraceLevel, log.DebugLevel, log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		w = s.err
	}
	_, err = w.Write(line)
	return err
}

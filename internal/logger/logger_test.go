package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString = "^time=\"[0-9/:. ]{26}\" severity=TRACE message=\"dfused: trace\""
	textDebugString = "^time=\"[0-9/:. ]{26}\" severity=DEBUG message=\"dfused: debug\""
	textInfoString  = "^time=\"[0-9/:. ]{26}\" severity=INFO message=\"dfused: info\""
	textWarnString  = "^time=\"[0-9/:. ]{26}\" severity=WARNING message=\"dfused: warn\""
	textErrorString = "^time=\"[0-9/:. ]{26}\" severity=ERROR message=\"dfused: error\""
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToGivenBuffer(buf *bytes.Buffer, severity string) {
	level := levelVar(severity)
	defaultLoggerFactory = &loggerFactory{level: level, format: "text", file: buf}
	defaultLogger = slog.New(defaultLoggerFactory.handler("dfused: "))
}

func emitAll() []func() {
	return []func(){
		func() { Tracef("trace") },
		func() { Debugf("debug") },
		func() { Infof("info") },
		func() { Warnf("warn") },
		func() { Errorf("error") },
	}
}

func (t *LoggerTest) run(severity string, expected []string) {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, severity)
	for i, f := range emitAll() {
		f()
		out := buf.String()
		buf.Reset()
		if expected[i] == "" {
			t.Assert().Empty(out)
			continue
		}
		t.Assert().Regexp(regexp.MustCompile(expected[i]), out)
	}
}

func (t *LoggerTest) TestLogLevelOff() {
	t.run(SeverityOff, []string{"", "", "", "", ""})
}

func (t *LoggerTest) TestLogLevelError() {
	t.run(SeverityError, []string{"", "", "", "", textErrorString})
}

func (t *LoggerTest) TestLogLevelWarning() {
	t.run(SeverityWarn, []string{"", "", "", textWarnString, textErrorString})
}

func (t *LoggerTest) TestLogLevelInfo() {
	t.run(SeverityInfo, []string{"", "", textInfoString, textWarnString, textErrorString})
}

func (t *LoggerTest) TestLogLevelDebug() {
	t.run(SeverityDebug, []string{"", textDebugString, textInfoString, textWarnString, textErrorString})
}

func (t *LoggerTest) TestLogLevelTrace() {
	t.run(SeverityTrace, []string{textTraceString, textDebugString, textInfoString, textWarnString, textErrorString})
}

func TestSeverityToLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, severityToLevel(SeverityTrace))
	assert.Equal(t, LevelOff, severityToLevel(SeverityOff))
	assert.Equal(t, LevelInfo, severityToLevel("garbage"))
}

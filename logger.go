package agent

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type matcher struct {
	regex   *regexp.Regexp
	channel chan ([]string)
	mask    bool
}

// NewMatchingLogger returns a MatchingLogger.
func NewMatchingLogger(logger *zap.SugaredLogger, isError bool) *MatchingLogger {
	return &MatchingLogger{logger: logger, defaultError: isError}
}

// MatchingLogger is an io.Writer for subprocess output that forwards regex
// matched lines to channels while logging everything else.
type MatchingLogger struct {
	mu           sync.RWMutex
	logger       *zap.SugaredLogger
	matchers     map[string]matcher
	defaultError bool
}

// AddMatcher adds a named regex whose matches are sent to the returned
// channel, optionally masking matched lines from normal logging.
func (l *MatchingLogger) AddMatcher(name string, regex *regexp.Regexp, mask bool) (<-chan []string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.matchers == nil {
		l.matchers = make(map[string]matcher)
	}
	if _, ok := l.matchers[name]; ok {
		return nil, errors.Errorf("matcher already exists: %s", name)
	}
	c := make(chan []string, 32)
	l.matchers[name] = matcher{regex: regex, channel: c, mask: mask}
	return c, nil
}

// DeleteMatcher removes a previously added matcher.
func (l *MatchingLogger) DeleteMatcher(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.matchers[name]
	if ok {
		close(m.channel)
		delete(l.matchers, name)
	}
}

// Write filters subprocess output against each matcher before logging it.
// Browser output is noisy, so unmatched lines go to debug unless this logger
// was created for stderr.
func (l *MatchingLogger) Write(p []byte) (int, error) {
	var mask bool

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.matchers {
		matches := m.regex.FindStringSubmatch(string(p))
		if matches != nil {
			m.channel <- matches
			if m.mask {
				mask = true
			}
		}
	}

	if mask {
		return len(p), nil
	}

	lines := strings.ReplaceAll(strings.TrimSpace(string(p)), "\n", "\n\t")
	if lines == "" {
		return len(p), nil
	}
	if l.defaultError {
		l.logger.Warnf("browser stderr:\n\t%s", lines)
	} else {
		l.logger.Debugf("browser output:\n\t%s", lines)
	}

	return len(p), nil
}

package library

import (
	"fmt"
	"runtime/debug"

	"github.com/mborders/logmatic"
	"github.com/sasha-s/go-deadlock"
)

var logLevel = 4
var logMu = &deadlock.Mutex{}

// SetLogLevel sets the highest level LogCLI will print. Values follow LogCLI.
func SetLogLevel(level int) {
	logMu.Lock()
	defer logMu.Unlock()
	logLevel = level
}

func currentLogLevel() int {
	logMu.Lock()
	defer logMu.Unlock()
	return logLevel
}

// Logs to the terminal. Level options are: 0 fatal error (stack dump), 1 serious error (stack dump), 2 warning, 3 debug, 4 info, 5 trace (stack dump).
// Messages above the configured level are dropped, except levels 0 and 1 which always print.
func LogCLI(message interface{}, level int) {
	if level > 1 && level > currentLogLevel() {
		return
	}
	l := logmatic.NewLogger()
	l.SetLevel(logmatic.TRACE)
	l.ExitOnFatal = false
	message = fmt.Sprint(message)
	switch level {
	case 5:
		debug.PrintStack()
		l.Trace("%v", message)
	case 4:
		l.Info("%v", message)
	case 3:
		l.Debug("%v", message)
	case 2:
		l.Warn("%v", message)
	case 1:
		debug.PrintStack()
		l.Error("%v", message)
	case 0:
		debug.PrintStack()
		l.Error("%v", message)
	}
}

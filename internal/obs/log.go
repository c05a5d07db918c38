package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	initLogger sync.Once
	lineLogger *log.Logger
)

// Logger returns the process-wide line logger. Request logs, audit events,
// and mail dispatch records all write through it, one JSON object per line
// on stdout.
func Logger() *log.Logger {
	initLogger.Do(func() {
		lineLogger = log.New(os.Stdout, "", 0)
	})
	return lineLogger
}

// LogRequest marshals the entry and emits it as a single JSON line. Callers
// follow the shared key conventions: ts, level, msg, request_id.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log entry not serializable"}`)
		return
	}
	Logger().Println(string(data))
}

package main

import (
	"encoding/json"
	"log"
	"os"

	jlog "github.com/luno/jettison/log"
)

// jsonLogger emits one JSON object per line so the map server's logs can be
// shipped and queried alongside the scanner's.
type jsonLogger struct {
	*log.Logger
}

func (l *jsonLogger) Log(entry jlog.Log) string {
	res, err := json.Marshal(entry)
	if err != nil {
		l.Printf("flowmap: failed to marshal log: %v", err)
		l.Print(entry.Message) // best-effort
		return entry.Message
	}
	l.Print(string(res))
	return string(res)
}

func InitLogging() {
	jlog.SetLogger(&jsonLogger{Logger: log.New(os.Stdout, "", 0)})
}

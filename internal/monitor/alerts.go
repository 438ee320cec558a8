package monitor

import "log"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log. The default operator sink.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT %s", message)
	return nil
}

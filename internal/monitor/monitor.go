package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"safety-core/internal/events"
)

// Monitor watches risk-alert events and forwards them to an operator sink.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventRiskAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.AlertFn(formatAlert(msg))
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if kind, ok := t["kind"].(string); ok {
			if reason, ok := t["reason"].(string); ok {
				return kind + ": " + reason
			}
			return kind
		}
		return fmt.Sprintf("%v", t)
	default:
		return "alert triggered"
	}
}

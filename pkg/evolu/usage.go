package evolu

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// usagePollInterval is how often OnUsage callbacks are refreshed from
// the relay's out-of-band usage endpoint; the binary sync protocol
// has no frame for usage reporting, so it travels over plain HTTP
// instead (internal/relay.UsageHandler).
const usagePollInterval = 30 * time.Second

func (e *evoluImpl) startUsagePoller(relayURL string) {
	base := toHTTPURL(relayURL)
	e.usageStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(usagePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.usageStop:
				return
			case <-ticker.C:
				e.pollUsageOnce(base)
			}
		}
	}()
}

func (e *evoluImpl) pollUsageOnce(base string) {
	resp, err := http.Get(base + "/owner/" + e.appOwner.ID + "/usage")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var payload struct {
		UsageBytes int64 `json:"usage_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}

	e.usageMu.Lock()
	cbs := append([]func(string, int64){}, e.usageCbs...)
	e.usageMu.Unlock()
	for _, cb := range cbs {
		cb(e.appOwner.ID, payload.UsageBytes)
	}
}

func toHTTPURL(relayURL string) string {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return "https://" + strings.TrimPrefix(relayURL, "wss://")
	case strings.HasPrefix(relayURL, "ws://"):
		return "http://" + strings.TrimPrefix(relayURL, "ws://")
	default:
		return relayURL
	}
}

package relay

import (
	"encoding/json"
	"net/http"
	"strings"
)

// UsageHandler serves GET /owner/{owner_id}/usage as a small plain-HTTP
// sibling to the WebSocket sync endpoint: the binary frame protocol
// has no usage-reporting frame, and usage is read far less often than
// it's written, so a polled HTTP endpoint is simpler than adding a
// fourth frame kind.
func UsageHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerIDFromUsagePath(r.URL.Path)
		if !ok {
			http.Error(w, "missing owner id in path", http.StatusBadRequest)
			return
		}
		usage, err := store.UsageBytes(ownerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			OwnerID    string `json:"owner_id"`
			UsageBytes int64  `json:"usage_bytes"`
		}{ownerID, usage})
	}
}

func ownerIDFromUsagePath(path string) (string, bool) {
	const prefix = "/owner/"
	const suffix = "/usage"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" {
		return "", false
	}
	return id, true
}

package app

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

type voiceJSON struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Provider string            `json:"provider,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// voicesHandler serves GET /v1/voices from a provider that can list voices.
func voicesHandler(p tts.Provider, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lister, ok := p.(tts.VoiceLister)
		if !ok {
			http.Error(w, "the configured synthesis provider cannot list voices", http.StatusNotImplemented)
			return
		}

		voices, err := lister.ListVoices(r.Context())
		if err != nil {
			log.Warn("failed to list voices", "err", err)
			http.Error(w, "failed to list voices", http.StatusBadGateway)
			return
		}

		out := make([]voiceJSON, 0, len(voices))
		for _, v := range voices {
			out = append(out, voiceJSON{ID: v.ID, Name: v.Name, Provider: v.Provider, Metadata: v.Metadata})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"voices": out}); err != nil {
			log.Debug("failed to write voices response", "err", err)
		}
	}
}

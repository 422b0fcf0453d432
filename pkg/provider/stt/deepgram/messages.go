package deepgram

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Control messages understood by the listen endpoint.
var (
	msgFinalize    = []byte(`{"type":"Finalize"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// message is the union of the Results, UtteranceEnd and Metadata replies.
type message struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []word  `json:"words"`
}

type word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// decodeEvent turns one reply into an event. It reports false for replies
// that carry nothing for the caller: unknown types, malformed JSON and
// results without alternatives.
//
// A result is utterance-final when Deepgram marks it final and either its
// endpointing fired (speech_final) or it answers a Finalize request.
// UtteranceEnd produces an empty utterance-final transcript.
func decodeEvent(raw []byte, costPerMin float64) (stt.Event, bool) {
	var m message
	if json.Unmarshal(raw, &m) != nil {
		return stt.Event{}, false
	}
	switch m.Type {
	case "Results":
		if len(m.Channel.Alternatives) == 0 {
			return stt.Event{}, false
		}
		best := m.Channel.Alternatives[0]
		return stt.Event{Kind: stt.EventTranscript, Transcript: stt.Transcript{
			Text:             best.Transcript,
			IsFinal:          m.IsFinal,
			IsUtteranceFinal: m.IsFinal && (m.SpeechFinal || m.FromFinalize),
			Confidence:       best.Confidence,
			Words:            wordDetails(best.Words),
			Timestamp:        secs(m.Start),
			Duration:         secs(m.Duration),
		}}, true
	case "UtteranceEnd":
		return stt.Event{Kind: stt.EventTranscript, Transcript: stt.Transcript{
			IsFinal:          true,
			IsUtteranceFinal: true,
		}}, true
	case "Metadata":
		return stt.Event{Kind: stt.EventStats, Stats: stt.Stats{
			AudioSeconds: m.Duration,
			CostUSD:      m.Duration * costPerMin / 60,
		}}, true
	}
	return stt.Event{}, false
}

func wordDetails(ws []word) []stt.WordDetail {
	if len(ws) == 0 {
		return nil
	}
	out := make([]stt.WordDetail, len(ws))
	for i, w := range ws {
		out[i] = stt.WordDetail{Word: w.Word, Start: secs(w.Start), End: secs(w.End), Confidence: w.Confidence}
	}
	return out
}

func secs(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

package gate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// providerBody covers both the Stripe-style envelope
// ({"id","type","created","livemode","data":{"object":...}}) and the
// LemonSqueezy-style envelope ({"meta":{"event_name","custom_data"},"data":...}).
type providerBody struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Created  int64           `json:"created"`
	Livemode bool            `json:"livemode"`
	Data     json.RawMessage `json:"data"`
	Meta     *providerMeta   `json:"meta"`
}

type providerMeta struct {
	EventName  string         `json:"event_name"`
	EventID    string         `json:"event_id"`
	TestMode   bool           `json:"test_mode"`
	CustomData map[string]any `json:"custom_data"`
}

type objectWrapper struct {
	Object json.RawMessage `json:"object"`
}

type metadataCarrier struct {
	Metadata   map[string]any `json:"metadata"`
	Attributes *struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"attributes"`
}

// parsedEvent is the provider-neutral view of an authenticated body.
type parsedEvent struct {
	id        string
	eventType string
	created   time.Time
	livemode  bool
	payload   json.RawMessage
	metadata  map[string]string
}

func parseBody(raw []byte) (*parsedEvent, error) {
	var body providerBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, reject(ReasonBadFormat, "body is not a JSON object")
	}

	ev := &parsedEvent{
		id:        body.ID,
		eventType: body.Type,
		livemode:  body.Livemode,
		payload:   body.Data,
	}
	if body.Created > 0 {
		ev.created = time.Unix(body.Created, 0)
	}

	if len(body.Data) > 0 && body.Data[0] == '{' {
		var w objectWrapper
		if err := json.Unmarshal(body.Data, &w); err == nil && len(w.Object) > 0 {
			ev.payload = w.Object
		}
	}
	if len(ev.payload) == 0 || bytes.Equal(ev.payload, []byte("null")) {
		ev.payload = json.RawMessage("{}")
	}

	meta := map[string]any{}
	if ev.payload[0] == '{' {
		var carrier metadataCarrier
		if err := json.Unmarshal(ev.payload, &carrier); err == nil {
			if carrier.Attributes != nil {
				mergeMetadata(meta, carrier.Attributes.Metadata)
			}
			mergeMetadata(meta, carrier.Metadata)
		}
	}

	if body.Meta != nil {
		if ev.eventType == "" {
			ev.eventType = body.Meta.EventName
		}
		if ev.id == "" {
			ev.id = body.Meta.EventID
		}
		if !body.Meta.TestMode && body.Type == "" {
			ev.livemode = true
		}
		mergeMetadata(meta, body.Meta.CustomData)
	}

	ev.metadata = make(map[string]string, len(meta))
	for k, v := range meta {
		ev.metadata[k] = stringify(v)
	}
	return ev, nil
}

func mergeMetadata(dst, src map[string]any) {
	for k, v := range src {
		if v == nil {
			continue
		}
		dst[k] = v
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func toVerified(source models.Source, ev *parsedEvent, fingerprint string, fallbackTime time.Time) *models.VerifiedEvent {
	id := ev.id
	if id == "" {
		id = "sig_" + fingerprint
	}
	ts := ev.created
	if ts.IsZero() {
		ts = fallbackTime
	}
	return &models.VerifiedEvent{
		Source:         source,
		EventID:        id,
		EventType:      ev.eventType,
		Payload:        ev.payload,
		Metadata:       ev.metadata,
		EventTimestamp: ts,
		Livemode:       ev.livemode,
		Fingerprint:    fingerprint,
	}
}

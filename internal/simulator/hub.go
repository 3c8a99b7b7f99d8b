package simulator

import (
	"encoding/json"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hublink/hublink-go/pkg/iothub"
	"github.com/hublink/hublink-go/pkg/topic"
	"github.com/hublink/hublink-go/pkg/transport"
)

const (
	twinGetPath   = "$iothub/twin/GET/"
	twinPatchPath = "$iothub/twin/PATCH/properties/reported/"
)

// HubConfig configures a hub peer.
type HubConfig struct {
	Hostname string
	DeviceID string
	ModuleID string

	// Key, if set, is the device's shared access key; tokens are verified
	// against it.
	Key string

	// Desired is the initial desired properties document.
	Desired map[string]any

	// Latency delays every reply.
	Latency time.Duration

	Logger *slog.Logger
}

// Telemetry is a received device-to-cloud message.
type Telemetry struct {
	Properties map[string]string
	Payload    []byte
}

// Hub is a hub peer serving one device or module.
type Hub struct {
	mem       *transport.Memory
	cfg       HubConfig
	logger    *slog.Logger
	telemetry string

	mu              sync.Mutex
	desired         map[string]any
	reported        map[string]any
	desiredVersion  int
	reportedVersion int
	received        []Telemetry
}

// NewHub attaches a hub peer to mem.
func NewHub(mem *transport.Memory, cfg HubConfig) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clientID := cfg.DeviceID
	if cfg.ModuleID != "" {
		clientID += "/" + cfg.ModuleID
	}
	auth, err := newAuthenticator(
		iothub.ResourceURI(cfg.Hostname, cfg.DeviceID, cfg.ModuleID),
		cfg.Key,
		cfg.Hostname+"/"+clientID+"/?",
	)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		mem:             mem,
		cfg:             cfg,
		logger:          logger.With("component", "hub-simulator"),
		telemetry:       topic.TelemetryTopic(cfg.DeviceID, cfg.ModuleID),
		desired:         maps.Clone(cfg.Desired),
		reported:        make(map[string]any),
		desiredVersion:  1,
		reportedVersion: 1,
	}
	if h.desired == nil {
		h.desired = make(map[string]any)
	}
	mem.OnConnect(auth.check)
	mem.OnPublish(h.handle)
	return h, nil
}

// Telemetry returns the messages received so far.
func (h *Hub) Telemetry() []Telemetry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Telemetry(nil), h.received...)
}

// Reported returns the reported properties as JSON.
func (h *Hub) Reported() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, _ := json.Marshal(h.reported)
	return data
}

// PushDesired merges patch into the desired properties and notifies the
// device. It returns false if the notification could not be delivered.
func (h *Hub) PushDesired(patch map[string]any) bool {
	body := maps.Clone(patch)
	if body == nil {
		body = make(map[string]any)
	}

	h.mu.Lock()
	mergePatch(h.desired, patch)
	h.desiredVersion++
	version := h.desiredVersion
	h.mu.Unlock()

	body["$version"] = version
	data, _ := json.Marshal(body)
	return h.mem.Deliver(transport.Message{
		Topic:   "$iothub/twin/PATCH/properties/desired/?$version=" + strconv.Itoa(version),
		Payload: data,
	})
}

func (h *Hub) handle(msg transport.Message) {
	path, query, _ := strings.Cut(msg.Topic, "?")
	rid := topic.ExtractProperties(query)[topic.PropRequestID]

	switch {
	case path == twinGetPath:
		h.getTwin(rid)
	case path == twinPatchPath:
		h.patchReported(rid, msg.Payload)
	case strings.HasPrefix(msg.Topic, h.telemetry):
		h.mu.Lock()
		h.received = append(h.received, Telemetry{
			Properties: topic.ExtractProperties(strings.TrimPrefix(msg.Topic, h.telemetry)),
			Payload:    msg.Payload,
		})
		h.mu.Unlock()
	default:
		h.logger.Warn("unexpected publish", "topic", msg.Topic)
	}
}

func (h *Hub) getTwin(rid string) {
	h.mu.Lock()
	desired := maps.Clone(h.desired)
	desired["$version"] = h.desiredVersion
	reported := maps.Clone(h.reported)
	reported["$version"] = h.reportedVersion
	body, _ := json.Marshal(iothub.Twin{Desired: desired, Reported: reported})
	h.mu.Unlock()

	h.reply(rid, 200, "", body)
}

func (h *Hub) patchReported(rid string, body []byte) {
	var patch map[string]any
	if err := json.Unmarshal(body, &patch); err != nil {
		h.reply(rid, 400, "", []byte(`{"errorCode":400004,"message":"malformed patch"}`))
		return
	}

	h.mu.Lock()
	mergePatch(h.reported, patch)
	h.reportedVersion++
	version := h.reportedVersion
	h.mu.Unlock()

	h.reply(rid, 204, "&$version="+strconv.Itoa(version), nil)
}

func (h *Hub) reply(rid string, status int, extra string, body []byte) {
	msg := transport.Message{
		Topic:   "$iothub/twin/res/" + strconv.Itoa(status) + "/?$rid=" + rid + extra,
		Payload: body,
	}
	deliverAfter(h.mem, h.cfg.Latency, msg, h.logger)
}

// mergePatch applies a JSON merge patch: nil deletes, objects merge.
func mergePatch(dst, patch map[string]any) {
	for k, v := range patch {
		if k == "$version" {
			continue
		}
		switch v := v.(type) {
		case nil:
			delete(dst, k)
		case map[string]any:
			sub, ok := dst[k].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				dst[k] = sub
			}
			mergePatch(sub, v)
		default:
			dst[k] = v
		}
	}
}

package simulator

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hublink/hublink-go/pkg/provisioning"
	"github.com/hublink/hublink-go/pkg/topic"
	"github.com/hublink/hublink-go/pkg/transport"
)

const (
	dpsRegisterPrefix = "$dps/registrations/PUT/iotdps-register/"
	dpsStatusPrefix   = "$dps/registrations/GET/iotdps-get-operationstatus/"
)

// DPSConfig configures a DPS peer.
type DPSConfig struct {
	// IDScope and RegistrationID identify the one device served.
	IDScope        string
	RegistrationID string

	// Key, if set, is the enrollment's shared access key; tokens are
	// verified against it.
	Key string

	// AssignedHub and DeviceID are returned on assignment. DeviceID
	// defaults to the registration id.
	AssignedHub string
	DeviceID    string

	// Throttle is the number of register requests answered 429 before one
	// is accepted. RetryAfter is sent with them, in seconds.
	Throttle   int
	RetryAfter int

	// AssigningPolls is the number of status polls answered "assigning"
	// before the assignment completes. Zero assigns on the register.
	AssigningPolls int

	// AssigningRetryAfter, if positive, is sent as retry-after with
	// "assigning" answers, in seconds.
	AssigningRetryAfter int

	// Fail makes the registration end in status "failed".
	Fail bool

	// Latency delays every reply.
	Latency time.Duration

	Logger *slog.Logger
}

type operation struct {
	id       string
	polls    int
	payload  json.RawMessage
	created  time.Time
	assigned bool
}

// DPS is a provisioning service peer.
type DPS struct {
	mem    *transport.Memory
	cfg    DPSConfig
	auth   *authenticator
	logger *slog.Logger

	mu         sync.Mutex
	throttled  int
	registers  int
	operations map[string]*operation
}

// NewDPS attaches a provisioning service peer to mem.
func NewDPS(mem *transport.Memory, cfg DPSConfig) (*DPS, error) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = cfg.RegistrationID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	auth, err := newAuthenticator(
		provisioning.ResourceURI(cfg.IDScope, cfg.RegistrationID),
		cfg.Key,
		cfg.IDScope+"/registrations/"+cfg.RegistrationID+"/",
	)
	if err != nil {
		return nil, err
	}

	d := &DPS{
		mem:        mem,
		cfg:        cfg,
		auth:       auth,
		logger:     logger.With("component", "dps-simulator"),
		operations: make(map[string]*operation),
	}
	mem.OnConnect(auth.check)
	mem.OnPublish(d.handle)
	return d, nil
}

// Registers returns the number of register requests received.
func (d *DPS) Registers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers
}

func (d *DPS) handle(msg transport.Message) {
	path, query, _ := strings.Cut(msg.Topic, "?")
	props := topic.ExtractProperties(query)
	rid := props[topic.PropRequestID]

	switch path {
	case dpsRegisterPrefix:
		d.register(rid, msg.Payload)
	case dpsStatusPrefix:
		d.status(rid, props[topic.PropOperationID])
	default:
		d.logger.Warn("unexpected publish", "topic", msg.Topic)
	}
}

func (d *DPS) register(rid string, body []byte) {
	var req struct {
		RegistrationID string          `json:"registrationId"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.RegistrationID != d.cfg.RegistrationID {
		d.reply(rid, 400, nil, `{"errorCode":400004,"message":"bad registration request"}`)
		return
	}

	d.mu.Lock()
	d.registers++
	if d.throttled < d.cfg.Throttle {
		d.throttled++
		d.mu.Unlock()
		d.reply(rid, 429, map[string]string{topic.PropRetryAfter: strconv.Itoa(d.cfg.RetryAfter)}, "")
		return
	}
	op := &operation{id: uuid.NewString(), payload: req.Payload, created: time.Now().UTC()}
	d.operations[op.id] = op
	done := d.cfg.AssigningPolls == 0
	op.assigned = done
	d.mu.Unlock()

	if !done {
		d.reply(rid, 202, d.assigningProps(), d.assigning(op))
		return
	}
	d.reply(rid, 200, nil, d.result(op))
}

func (d *DPS) status(rid, operationID string) {
	d.mu.Lock()
	op, ok := d.operations[operationID]
	if ok {
		op.polls++
		op.assigned = op.polls > d.cfg.AssigningPolls
	}
	d.mu.Unlock()

	switch {
	case !ok:
		d.reply(rid, 404, nil, `{"errorCode":404201,"message":"operation not found"}`)
	case !op.assigned:
		d.reply(rid, 202, d.assigningProps(), d.assigning(op))
	default:
		d.reply(rid, 200, nil, d.result(op))
	}
}

func (d *DPS) assigningProps() map[string]string {
	if d.cfg.AssigningRetryAfter <= 0 {
		return nil
	}
	return map[string]string{topic.PropRetryAfter: strconv.Itoa(d.cfg.AssigningRetryAfter)}
}

func (d *DPS) assigning(op *operation) string {
	body, _ := json.Marshal(provisioning.RegistrationResult{OperationID: op.id, Status: provisioning.StatusAssigning})
	return string(body)
}

func (d *DPS) result(op *operation) string {
	now := time.Now().UTC().Format(time.RFC3339)
	res := provisioning.RegistrationResult{
		OperationID: op.id,
		Status:      provisioning.StatusAssigned,
		RegistrationState: &provisioning.RegistrationState{
			DeviceID:               d.cfg.DeviceID,
			AssignedHub:            d.cfg.AssignedHub,
			SubStatus:              "initialAssignment",
			CreatedDateTimeUTC:     op.created.Format(time.RFC3339),
			LastUpdatedDateTimeUTC: now,
			ETag:                   strconv.Quote(uuid.NewString()),
			Payload:                op.payload,
		},
	}
	if d.cfg.Fail {
		res.Status = provisioning.StatusFailed
		res.RegistrationState = &provisioning.RegistrationState{
			ErrorCode:    400209,
			ErrorMessage: "custom allocation failed",
		}
	}
	body, _ := json.Marshal(res)
	return string(body)
}

// reply delivers a response, after Latency if set.
func (d *DPS) reply(rid string, status int, props map[string]string, body string) {
	t := "$dps/registrations/res/" + strconv.Itoa(status) + "/?$rid=" + rid
	if len(props) > 0 {
		t += "&" + topic.EncodeProperties(props)
	}
	deliverAfter(d.mem, d.cfg.Latency, transport.Message{Topic: t, Payload: []byte(body)}, d.logger)
}

func deliverAfter(mem *transport.Memory, latency time.Duration, msg transport.Message, logger *slog.Logger) {
	deliver := func() {
		if !mem.Deliver(msg) {
			logger.Debug("reply not delivered", "topic", msg.Topic)
		}
	}
	if latency <= 0 {
		deliver()
		return
	}
	time.AfterFunc(latency, deliver)
}

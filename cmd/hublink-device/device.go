package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hublink/hublink-go/cmd/hublink-device/interactive"
	"github.com/hublink/hublink-go/internal/simulator"
	"github.com/hublink/hublink-go/pkg/connection"
	"github.com/hublink/hublink-go/pkg/iothub"
	hlog "github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/persistence"
	"github.com/hublink/hublink-go/pkg/provisioning"
	"github.com/hublink/hublink-go/pkg/sastoken"
	"github.com/hublink/hublink-go/pkg/session"
	"github.com/hublink/hublink-go/pkg/transport"
	"github.com/hublink/hublink-go/pkg/version"
)

// intervalProperty is the twin property controlling the telemetry interval,
// in seconds.
const intervalProperty = "telemetryInterval"

// device runs provisioning and the hub session against the in-process
// service peers.
type device struct {
	cfg    Config
	logger *slog.Logger
	plog   hlog.Logger
	store  *persistence.RegistrationStore

	dpsTransport *transport.Memory
	hubTransport *transport.Memory
	hubSim       *simulator.Hub
	hub          *session.HubSession
	manager      *connection.Manager

	mu           sync.Mutex
	registration *persistence.Registration

	interval atomic.Int64
	sent     atomic.Int64
	changed  chan struct{}
}

func newDevice(cfg Config, logger *slog.Logger, plog hlog.Logger) (*device, error) {
	store := persistence.NewRegistrationStore(cfg.CachePath)
	if cfg.SealCache {
		var err error
		if store, err = persistence.NewSealedRegistrationStore(cfg.CachePath, cfg.SharedAccessKey); err != nil {
			return nil, fmt.Errorf("registration cache: %w", err)
		}
	}

	d := &device{
		cfg:          cfg,
		logger:       logger,
		plog:         plog,
		store:        store,
		dpsTransport: transport.NewMemory(),
		hubTransport: transport.NewMemory(),
		changed:      make(chan struct{}, 1),
	}
	d.interval.Store(int64(cfg.TelemetryInterval))

	_, err := simulator.NewDPS(d.dpsTransport, simulator.DPSConfig{
		IDScope:        cfg.IDScope,
		RegistrationID: cfg.RegistrationID,
		Key:            cfg.SharedAccessKey,
		AssignedHub:    cfg.Simulator.AssignedHub,
		Throttle:       cfg.Simulator.Throttle,
		RetryAfter:     1,
		AssigningPolls: cfg.Simulator.AssigningPolls,
		Latency:        cfg.Simulator.Latency,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// provision returns the cached assignment or registers with the
// provisioning service and caches the result.
func (d *device) provision(ctx context.Context, force bool) (*persistence.Registration, error) {
	if !force {
		reg, err := d.store.Load()
		switch {
		case err != nil:
			d.logger.Warn("registration cache unreadable, registering", "path", d.store.Path(), "error", err)
		case reg.Matches(d.cfg.IDScope, d.cfg.RegistrationID):
			if hub, deviceID, ok := reg.AssignedHub(); ok {
				d.logger.Info("using cached assignment", "hub", hub, "device_id", deviceID, "saved_at", reg.SavedAt)
				d.setRegistration(reg)
				return reg, nil
			}
		}
	}

	result, err := d.register(ctx)
	if err != nil {
		return nil, err
	}
	reg := &persistence.Registration{IDScope: d.cfg.IDScope, RegistrationID: d.cfg.RegistrationID, Result: result}
	if _, _, ok := reg.AssignedHub(); !ok {
		msg := string(result.Status)
		if st := result.RegistrationState; st != nil && st.ErrorMessage != "" {
			msg = fmt.Sprintf("%s: %s (%d)", msg, st.ErrorMessage, st.ErrorCode)
		}
		return nil, fmt.Errorf("registration not assigned: %s", msg)
	}
	if err := d.store.Save(reg); err != nil {
		d.logger.Warn("failed to cache registration", "path", d.store.Path(), "error", err)
	}
	d.setRegistration(reg)
	return reg, nil
}

func (d *device) register(ctx context.Context) (*provisioning.RegistrationResult, error) {
	s, err := session.NewProvisioningSession(d.dpsTransport, session.ProvisioningConfig{
		Hostname:       d.cfg.ProvisioningHost,
		IDScope:        d.cfg.IDScope,
		RegistrationID: d.cfg.RegistrationID,
		Credentials: session.Credentials{
			SharedAccessKey: d.cfg.SharedAccessKey,
			TokenTTL:        d.cfg.TokenTTL,
		},
		ProductInfo:    d.cfg.ProductInfo,
		Logger:         d.logger,
		ProtocolLogger: d.plog,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, fmt.Errorf("connect to provisioning service: %w", err)
	}
	defer s.Close(context.WithoutCancel(ctx))

	return s.Register(ctx, map[string]any{"modelId": "dtmi:hublink:device;1", "clientVersion": version.Library})
}

func (d *device) setRegistration(reg *persistence.Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registration = reg
}

// connect opens the hub session for the assignment and keeps it up.
func (d *device) connect(ctx context.Context, reg *persistence.Registration) error {
	hubName, deviceID, _ := reg.AssignedHub()

	hubSim, err := simulator.NewHub(d.hubTransport, simulator.HubConfig{
		Hostname: hubName,
		DeviceID: deviceID,
		Key:      d.cfg.SharedAccessKey,
		Desired:  map[string]any{intervalProperty: int(d.cfg.TelemetryInterval / time.Second)},
		Latency:  d.cfg.Simulator.Latency,
		Logger:   d.logger,
	})
	if err != nil {
		return err
	}
	d.hubSim = hubSim

	hub, err := session.NewHubSession(d.hubTransport, session.HubConfig{
		Hostname: hubName,
		DeviceID: deviceID,
		Credentials: session.Credentials{
			SharedAccessKey: d.cfg.SharedAccessKey,
			TokenTTL:        d.cfg.TokenTTL,
		},
		ProductInfo:    d.cfg.ProductInfo,
		Logger:         d.logger,
		ProtocolLogger: d.plog,
	})
	if err != nil {
		return err
	}
	d.hub = hub

	var opened bool
	mcfg := connection.DefaultManagerConfig()
	mcfg.Connect = func(ctx context.Context) error {
		if opened {
			return hub.Reconnect(ctx)
		}
		if err := hub.Open(ctx); err != nil {
			return err
		}
		opened = true
		return nil
	}
	mcfg.WaitForDisconnect = hub.WaitForDisconnect
	mcfg.Logger = d.logger
	mcfg.ProtocolLogger = d.plog
	mcfg.SessionID = hub.Client().SessionID()
	mcfg.Service = hlog.ServiceHub

	manager, err := connection.NewManager(mcfg)
	if err != nil {
		return err
	}
	manager.OnReconnecting(func(attempt int, delay time.Duration) {
		d.logger.Info("reconnecting to hub", "attempt", attempt, "delay", delay)
	})
	d.manager = manager

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}
	return nil
}

// syncTwin applies the desired interval and reports the device state.
func (d *device) syncTwin(ctx context.Context) error {
	twin, err := d.hub.GetTwin(ctx)
	if err != nil {
		return err
	}
	d.applyDesired(twin.Desired)

	_, err = d.hub.UpdateReportedProperties(ctx, map[string]any{
		intervalProperty: int(d.currentInterval() / time.Second),
		"clientVersion":  version.Library,
		"startedAt":      time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

func (d *device) applyDesired(props map[string]any) bool {
	secs, ok := props[intervalProperty].(float64)
	if !ok || secs < 1 {
		return false
	}
	next := time.Duration(secs) * time.Second
	if time.Duration(d.interval.Swap(int64(next))) == next {
		return false
	}
	d.logger.Info("telemetry interval changed", "interval", next)
	select {
	case d.changed <- struct{}{}:
	default:
	}
	return true
}

func (d *device) currentInterval() time.Duration {
	return time.Duration(d.interval.Load())
}

// watchDesired applies desired property patches until ctx ends.
func (d *device) watchDesired(ctx context.Context) {
	patches, err := d.hub.DesiredPropertyPatches(ctx)
	if err != nil {
		d.logger.Warn("desired property notifications unavailable", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-patches:
			d.logger.Info("desired properties patch", "version", p.Version)
			if !d.applyDesired(p.Properties) {
				continue
			}
			ack := map[string]any{intervalProperty: int(d.currentInterval() / time.Second)}
			if _, err := d.hub.UpdateReportedProperties(ctx, ack); err != nil {
				d.logger.Warn("failed to acknowledge desired properties", "error", err)
			}
		}
	}
}

// runTelemetry sends a reading every interval until ctx ends.
func (d *device) runTelemetry(ctx context.Context) {
	timer := time.NewTimer(d.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.changed:
			timer.Reset(d.currentInterval())
			continue
		case <-timer.C:
		}

		if err := d.Send(ctx, nil); err != nil {
			d.logger.Warn("telemetry not sent", "error", err)
		}
		timer.Reset(d.currentInterval())
	}
}

func (d *device) close(ctx context.Context) {
	if d.manager != nil {
		d.manager.Close()
	}
	if d.hub != nil {
		if err := d.hub.Close(ctx); err != nil {
			d.logger.Warn("hub session close failed", "error", err)
		}
	}
}

// Status implements interactive.Device.
func (d *device) Status() interactive.Status {
	d.mu.Lock()
	reg := d.registration
	d.mu.Unlock()

	st := interactive.Status{
		RegistrationID: d.cfg.RegistrationID,
		Interval:       d.currentInterval(),
		MessagesSent:   d.sent.Load(),
		CachePath:      d.store.Path(),
	}
	if reg != nil {
		st.Hub, st.DeviceID, _ = reg.AssignedHub()
		st.RegisteredAt = reg.SavedAt
	}
	if d.manager != nil {
		st.Connection = d.manager.State().String()
		st.ReconnectAttempts = d.manager.BackoffAttempts()
	}
	if d.hub != nil {
		st.PendingRequests = d.hub.Client().PendingRequests()
	}
	return st
}

// Register implements interactive.Device. The hub session keeps its
// current assignment until restart.
func (d *device) Register(ctx context.Context) (*provisioning.RegistrationResult, error) {
	reg, err := d.provision(ctx, true)
	if err != nil {
		return nil, err
	}
	return reg.Result, nil
}

// Twin implements interactive.Device.
func (d *device) Twin(ctx context.Context) (*iothub.Twin, error) {
	return d.hub.GetTwin(ctx)
}

// Report implements interactive.Device.
func (d *device) Report(ctx context.Context, patch map[string]any) (int, error) {
	return d.hub.UpdateReportedProperties(ctx, patch)
}

// Send implements interactive.Device. A nil payload sends a generated
// reading.
func (d *device) Send(ctx context.Context, payload []byte) error {
	n := d.sent.Load() + 1
	if payload == nil {
		payload = fmt.Appendf(nil, `{"seq":%d,"temperature":%.1f}`, n, 18+rand.Float64()*6)
	}
	msg := iothub.NewMessage(payload)
	msg.MessageID = fmt.Sprintf("%s-%d", d.cfg.RegistrationID, n)
	if err := d.hub.SendMessage(ctx, msg); err != nil {
		return err
	}
	d.sent.Add(1)
	d.logger.Debug("telemetry sent", "message_id", msg.MessageID)
	return nil
}

// Token implements interactive.Device. It returns the token presented on
// the last hub connect.
func (d *device) Token() (*sastoken.Token, error) {
	_, password := d.hubTransport.Credentials()
	if password == "" {
		return nil, errors.New("no token presented yet")
	}
	return sastoken.Parse(password)
}

// Drop implements interactive.Device.
func (d *device) Drop() {
	d.hubTransport.Drop(errors.New("simulated connection loss"))
}

// PushDesired implements interactive.Device.
func (d *device) PushDesired(patch map[string]any) bool {
	return d.hubSim.PushDesired(patch)
}

var _ interactive.Device = (*device)(nil)

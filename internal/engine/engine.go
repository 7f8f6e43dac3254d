// Package engine is the decision core: it dispatches bus messages, maintains
// the feature windows and latest tiles, runs the forecast/anomaly/control
// pipeline, and gates setpoint publishes by mode and the auto flag.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/visezion/hcai-mini/internal/bus"
	"github.com/visezion/hcai-mini/internal/config"
	"github.com/visezion/hcai-mini/internal/features"
	"github.com/visezion/hcai-mini/internal/metrics"
	"github.com/visezion/hcai-mini/internal/models"
	"github.com/visezion/hcai-mini/internal/persistence"
	"github.com/visezion/hcai-mini/internal/policy"
)

const (
	windowSize       = 120
	forecastHorizon  = 30
	anomalyThreshold = 0.97
	horizonS         = 60
	modelVersion     = "trend-v0"
)

// ErrUnknownMode is returned when an operator sets a mode outside the
// policy-defined set.
var ErrUnknownMode = errors.New("unknown mode")

// Tile is the latest telemetry snapshot for one rack.
type Tile struct {
	TS      string           `json:"ts"`
	Metrics TelemetryMetrics `json:"metrics"`
}

// ActionExplain is the human-facing context attached to every command.
type ActionExplain struct {
	Rack         string   `json:"rack"`
	ForecastTemp float64  `json:"forecast_temp"`
	RiskScore    float64  `json:"risk_score"`
	Triggers     []string `json:"triggers"`
	Message      string   `json:"message"`
}

// ActionPayload is the bus wire form of a setpoint command.
type ActionPayload struct {
	ID            int64            `json:"id,omitempty"`
	TS            string           `json:"ts"`
	DeviceID      string           `json:"device_id"`
	Cmd           string           `json:"cmd"`
	Set           models.Setpoints `json:"set"`
	Mode          string           `json:"mode"`
	Reason        string           `json:"reason"`
	ModelVersion  string           `json:"model_version"`
	SafetySummary string           `json:"safety_summary"`
	Constraints   config.Limits    `json:"constraints"`
	Explain       ActionExplain    `json:"explain"`
}

// StatusSnapshot is the /status view of the engine.
type StatusSnapshot struct {
	Mode         string         `json:"mode"`
	AutoEnabled  bool           `json:"auto_enabled"`
	Site         string         `json:"site"`
	IngestCount  int64          `json:"ingest_count"`
	LastIngestTS string         `json:"last_ingest_ts,omitempty"`
	TrackedRacks int            `json:"tracked_racks"`
	UptimeS      float64        `json:"uptime_s"`
	Discovery    DiscoveryState `json:"discovery"`
}

// Engine owns the feature store, the tiles map, the discovery FSM and the
// in-memory actuator view. Bus handlers run one message at a time; HTTP
// workers read snapshots concurrently.
type Engine struct {
	settings config.Settings
	policy   config.Policy
	registry *config.Registry
	store    persistence.Store
	bus      bus.Bus
	metrics  *metrics.Registry

	features   *features.Store
	forecaster *models.Forecaster
	scorer     *models.AnomalyScorer
	mpc        *models.MPC
	safety     *policy.Safety
	discovery  *Discovery

	// dispatchMu serializes bus handlers so all window and tile mutation
	// happens one message at a time.
	dispatchMu sync.Mutex

	mu           sync.RWMutex
	tiles        map[string]Tile
	deviceByRack map[string]string
	currentSet   map[string]models.Setpoints
	mode         string
	autoEnabled  bool
	ingestCount  int64
	lastIngestTS string

	started   time.Time
	warnLimit *rate.Limiter
}

// New wires the decision engine. Mode comes from settings and must be in the
// policy set; anything else falls back to propose.
func New(settings config.Settings, pol config.Policy, registry *config.Registry,
	store persistence.Store, b bus.Bus, m *metrics.Registry) *Engine {

	mode := settings.Mode
	if !pol.AllowsMode(mode) {
		log.Warn().Str("mode", mode).Msg("Configured mode not in policy, falling back to propose")
		mode = "propose"
	}

	return &Engine{
		settings: settings,
		policy:   pol,
		registry: registry,
		store:    store,
		bus:      b,
		metrics:  m,

		features:   features.NewStore(windowSize),
		forecaster: models.NewForecaster(forecastHorizon),
		scorer:     models.NewAnomalyScorer(anomalyThreshold),
		mpc:        models.NewMPC(pol.Limits, pol.Weights),
		safety:     policy.NewSafety(pol.Limits),
		discovery:  NewDiscovery(time.Duration(settings.DiscoveryTimeoutS) * time.Second),

		tiles:        make(map[string]Tile),
		deviceByRack: make(map[string]string),
		currentSet:   make(map[string]models.Setpoints),
		mode:         mode,
		autoEnabled:  strings.HasPrefix(mode, "auto"),

		started:   time.Now(),
		warnLimit: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// Start registers the dispatch table on the bus.
func (e *Engine) Start() error {
	subs := []struct {
		pattern string
		handler bus.Handler
	}{
		{bus.TopicTelemetryPattern, e.handleTelemetry},
		{bus.TopicReceiptPattern, e.handleReceipt},
		{bus.TopicDiscoverPattern, e.handleDiscover},
	}
	for _, s := range subs {
		if err := e.bus.Subscribe(s.pattern, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.pattern, err)
		}
	}
	return nil
}

func (e *Engine) handleTelemetry(ctx context.Context, msg bus.Message) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	timer := e.metrics.StartDecisionTimer()
	defer timer.Stop()

	point, err := parseTelemetry(msg.Payload)
	if err != nil {
		e.warnDrop(msg.Topic, err)
		return
	}
	if site, rack, ok := bus.TelemetryAddress(msg.Topic); ok {
		if point.Site == "" {
			point.Site = site
		}
		if point.Rack == "" {
			point.Rack = rack
		}
	}
	if point.Rack == "" {
		e.warnDrop(msg.Topic, errors.New("telemetry missing rack"))
		return
	}

	e.metrics.TelemetryIngest.Inc()

	row := persistence.TelemetryRow{
		TS:         point.TS,
		Site:       point.Site,
		Rack:       point.Rack,
		TempC:      point.Metrics.TempC,
		HumPct:     point.Metrics.HumPct,
		PowerKW:    point.Metrics.PowerKW,
		AirflowCFM: point.Metrics.AirflowCFM,
		RawJSON:    string(msg.Payload),
	}
	if err := e.persistRetry("telemetry", func() error {
		return e.store.InsertTelemetry(ctx, row)
	}); err != nil {
		e.metrics.TelemetryDropped.Inc()
		log.Error().Err(err).Str("rack", point.Rack).Msg("Telemetry not persisted")
	}

	e.mu.Lock()
	e.tiles[point.Rack] = Tile{TS: point.TS, Metrics: point.Metrics}
	if point.DeviceID != "" {
		e.deviceByRack[point.Rack] = point.DeviceID
	}
	e.ingestCount++
	e.lastIngestTS = point.TS
	e.mu.Unlock()

	// Sensor dropout: tiles carry the ts, but no window push and no
	// decision this cycle.
	if point.Metrics.TempC == nil {
		return
	}

	e.features.Push(point.Rack, "temp_c", *point.Metrics.TempC)
	if point.Metrics.HumPct != nil {
		e.features.Push(point.Rack, "hum_pct", *point.Metrics.HumPct)
	}
	if point.Metrics.PowerKW != nil {
		e.features.Push(point.Rack, "power_kw", *point.Metrics.PowerKW)
	}

	window := e.features.Window(point.Rack, "temp_c")
	samples := e.features.SampleCount(point.Rack, "temp_c")
	preds, lo, hi := e.forecaster.Predict(window)
	score, alarm := e.scorer.Score(window)

	if err := e.persistRetry("forecast", func() error {
		return e.store.InsertForecast(ctx, persistence.ForecastRow{
			TS:       point.TS,
			HorizonS: horizonS,
			Rack:     point.Rack,
			TempPred: &preds[0],
			TempLo:   &lo[0],
			TempHi:   &hi[0],
		})
	}); err != nil {
		log.Error().Err(err).Str("rack", point.Rack).Msg("Forecast not persisted")
	}

	if err := e.persistRetry("anomaly", func() error {
		return e.store.InsertAnomaly(ctx, persistence.AnomalyRow{
			TS:        point.TS,
			Rack:      point.Rack,
			Score:     score,
			Threshold: e.scorer.Threshold(),
			IsAlarm:   alarm,
		})
	}); err != nil {
		log.Error().Err(err).Str("rack", point.Rack).Msg("Anomaly not persisted")
	}

	triggers := evaluateTriggers(e.policy, point.Metrics, window, samples, preds, alarm)
	if len(triggers) == 0 {
		return
	}
	e.emitAction(ctx, point, preds, score, triggers)
}

func (e *Engine) emitAction(ctx context.Context, point TelemetryPoint, preds []float64, riskScore float64, triggers []string) {
	deviceID := e.deviceFor(point.Rack)
	current := e.currentSetpoints(ctx, deviceID)
	proposal := e.mpc.Propose(preds, current)

	safe, summary, err := e.safety.Enforce(current, proposal)
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Command rejected by safety policy")
		return
	}

	mode, auto := e.Mode()
	status := persistence.StatusPendingManual
	if auto && strings.HasPrefix(mode, "auto") {
		status = persistence.StatusQueued
	}

	reason := triggers[0]
	payload := ActionPayload{
		TS:            point.TS,
		DeviceID:      deviceID,
		Cmd:           "setpoints",
		Set:           safe,
		Mode:          mode,
		Reason:        reason,
		ModelVersion:  modelVersion,
		SafetySummary: summary,
		Constraints:   e.policy.Limits,
		Explain: ActionExplain{
			Rack:         point.Rack,
			ForecastTemp: preds[0],
			RiskScore:    riskScore,
			Triggers:     triggers,
			Message:      fmt.Sprintf("%s on rack %s", reason, point.Rack),
		},
	}
	cmdJSON, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode action payload")
		return
	}

	var id int64
	if err := e.persistRetry("action", func() error {
		var insertErr error
		id, insertErr = e.store.InsertAction(ctx, persistence.ActionRow{
			TS:            point.TS,
			DeviceID:      deviceID,
			CmdJSON:       string(cmdJSON),
			Mode:          mode,
			Status:        status,
			Reason:        reason,
			ModelVersion:  modelVersion,
			SafetySummary: summary,
		})
		return insertErr
	}); err != nil {
		// Fail closed: no publish without a ledger row.
		log.Error().Err(err).Str("device_id", deviceID).Msg("Action not persisted, command dropped")
		return
	}

	payload.ID = id
	if data, marshalErr := json.Marshal(payload); marshalErr == nil {
		cmdJSON = data
		if err := e.store.UpdateActionCmd(ctx, id, string(data)); err != nil {
			log.Warn().Err(err).Int64("action_id", id).Msg("Failed to stamp action id into command")
		}
	}

	e.metrics.RecordAction(status)
	log.Info().
		Int64("action_id", id).
		Str("device_id", deviceID).
		Str("reason", reason).
		Str("status", status).
		Float64("supply_temp_c", safe.SupplyTempC).
		Int("fan_rpm", safe.FanRPM).
		Msg("Action emitted")

	if status == persistence.StatusQueued {
		if err := e.bus.Publish(ctx, bus.SetTopic(deviceID), cmdJSON); err != nil {
			e.metrics.RecordPublishError("ctrl_set")
			log.Warn().Err(err).Int64("action_id", id).Msg("Publish failed, action stays queued")
			return
		}
		if err := e.store.UpdateActionStatus(ctx, id, persistence.StatusSent); err != nil {
			log.Warn().Err(err).Int64("action_id", id).Msg("Failed to mark action sent")
			return
		}
		e.metrics.RecordAction(persistence.StatusSent)
	} else {
		if err := e.bus.Publish(ctx, bus.TopicProposals, cmdJSON); err != nil {
			e.metrics.RecordPublishError("ctrl_proposals")
			log.Warn().Err(err).Int64("action_id", id).Msg("Publish failed, proposal stays pending")
		}
	}
}

func (e *Engine) handleReceipt(ctx context.Context, msg bus.Message) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	receipt, err := parseReceipt(msg.Payload)
	if err != nil {
		e.warnDrop(msg.Topic, err)
		return
	}
	if receipt.DeviceID == "" {
		if dev, ok := bus.ReceiptDevice(msg.Topic); ok {
			receipt.DeviceID = dev
		}
	}
	if receipt.DeviceID == "" {
		e.warnDrop(msg.Topic, errors.New("receipt missing device_id"))
		return
	}

	row := persistence.ReceiptRow{
		TS:        receipt.TS,
		DeviceID:  receipt.DeviceID,
		Status:    receipt.Status,
		LatencyMs: receipt.LatencyMs,
		Notes:     receipt.Notes,
	}
	if receipt.Applied != nil {
		if data, marshalErr := json.Marshal(receipt.Applied); marshalErr == nil {
			row.AppliedJSON = string(data)
		}
	}

	var inserted bool
	if err := e.persistRetry("receipt", func() error {
		var insErr error
		inserted, insErr = e.store.InsertReceipt(ctx, row)
		return insErr
	}); err != nil {
		log.Error().Err(err).Str("device_id", receipt.DeviceID).Msg("Receipt not persisted")
		return
	}
	if !inserted {
		log.Debug().
			Str("device_id", receipt.DeviceID).
			Str("ts", receipt.TS).
			Msg("Duplicate receipt dropped")
		return
	}

	if receipt.Status != "applied" {
		return
	}
	if receipt.Applied != nil {
		e.mu.Lock()
		e.currentSet[receipt.DeviceID] = *receipt.Applied
		e.mu.Unlock()
	}

	// Only an exact (device_id, ts) match advances the ledger.
	match, err := e.store.FindSentAction(ctx, receipt.DeviceID, receipt.TS)
	if err != nil || match == nil {
		return
	}
	if err := e.store.UpdateActionStatus(ctx, match.ID, persistence.StatusApplied); err != nil {
		log.Warn().Err(err).Int64("action_id", match.ID).Msg("Failed to mark action applied")
		return
	}
	e.metrics.RecordAction(persistence.StatusApplied)
	log.Info().Int64("action_id", match.ID).Str("device_id", receipt.DeviceID).Msg("Action applied")
}

func (e *Engine) handleDiscover(ctx context.Context, msg bus.Message) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	switch msg.Topic {
	case bus.TopicDiscoverRaw:
		var raw DiscoverRaw
		if err := json.Unmarshal(msg.Payload, &raw); err != nil {
			e.warnDrop(msg.Topic, err)
			return
		}
		ts := raw.TS
		if ts == "" {
			ts = time.Now().UTC().Format(time.RFC3339)
		}
		e.discovery.RecordRaw(ts, len(raw.Raw))

	case bus.TopicDiscoverResults:
		var results DiscoverResults
		if err := json.Unmarshal(msg.Payload, &results); err != nil {
			e.warnDrop(msg.Topic, err)
			return
		}
		e.discovery.Complete(results, time.Now())
		e.metrics.DiscoverDuration.Observe(results.DurationS)
		e.metrics.DiscoverDevicesFound.Add(float64(len(results.Devices)))
		log.Info().
			Int("devices", len(results.Devices)).
			Float64("duration_s", results.DurationS).
			Msg("Discovery results received")

	case bus.TopicDiscoverApprove, bus.TopicDiscoverRemoved:
		if err := e.registry.Reload(); err != nil {
			log.Warn().Err(err).Msg("Device registry reload failed")
		}
	}
}

// StartDiscovery arms the scan FSM and asks the edge bridge to sweep subnet.
func (e *Engine) StartDiscovery(ctx context.Context, subnet, actor string) error {
	if subnet == "" {
		subnet = e.settings.DiscoverySubnet
	}
	if actor == "" {
		actor = "operator"
	}

	now := time.Now()
	if err := e.discovery.Start(subnet, actor, now); err != nil {
		return err
	}
	e.metrics.DiscoverScans.Inc()

	payload, _ := json.Marshal(map[string]string{
		"ts":     now.UTC().Format(time.RFC3339),
		"subnet": subnet,
		"actor":  actor,
	})
	e.audit(ctx, actor, "discover_start", payload)

	topic := bus.TopicDiscoverStart
	if e.settings.DiscoveryTopic != "" {
		topic = e.settings.DiscoveryTopic + "/start"
	}
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.metrics.RecordPublishError("discover_start")
		log.Warn().Err(err).Msg("Failed to publish discovery start")
	}
	log.Info().Str("subnet", subnet).Str("actor", actor).Msg("Discovery scan started")
	return nil
}

// ApproveDevice adds or updates a registry entry and announces the change.
func (e *Engine) ApproveDevice(ctx context.Context, entry config.Device, actor string) (string, error) {
	if actor == "" {
		actor = "operator"
	}
	outcome, err := e.registry.Append(entry)
	if err != nil {
		return "", err
	}
	e.metrics.DiscoverDevicesApproved.Inc()

	payload, _ := json.Marshal(entry)
	e.audit(ctx, actor, "device_approve", payload)
	if err := e.bus.Publish(ctx, bus.TopicDiscoverApprove, payload); err != nil {
		e.metrics.RecordPublishError("discover_approved")
		log.Warn().Err(err).Msg("Failed to publish device approval")
	}
	log.Info().Str("device_id", entry.ID).Str("outcome", outcome).Msg("Device approved")
	return outcome, nil
}

// RemoveDevice deletes a registry entry by id; false when unknown.
func (e *Engine) RemoveDevice(ctx context.Context, id, actor string) (bool, error) {
	if actor == "" {
		actor = "operator"
	}
	removed, err := e.registry.Remove(id)
	if err != nil || !removed {
		return removed, err
	}

	payload, _ := json.Marshal(map[string]string{"id": id})
	e.audit(ctx, actor, "device_remove", payload)
	if err := e.bus.Publish(ctx, bus.TopicDiscoverRemoved, payload); err != nil {
		e.metrics.RecordPublishError("discover_removed")
		log.Warn().Err(err).Msg("Failed to publish device removal")
	}
	log.Info().Str("device_id", id).Msg("Device removed")
	return true, nil
}

// ApproveAction sends a pending command to its device. Approving an action
// that already went out is a no-op success.
func (e *Engine) ApproveAction(ctx context.Context, id int64, actor string) error {
	action, err := e.store.GetAction(ctx, id)
	if err != nil {
		return err
	}

	switch action.Status {
	case persistence.StatusSent, persistence.StatusApplied:
		return nil
	case persistence.StatusRejected:
		return fmt.Errorf("action %d was rejected", id)
	}

	if err := e.bus.Publish(ctx, bus.SetTopic(action.DeviceID), []byte(action.CmdJSON)); err != nil {
		e.metrics.RecordPublishError("ctrl_set")
		return fmt.Errorf("failed to publish action %d: %w", id, err)
	}
	if err := e.store.UpdateActionStatus(ctx, id, persistence.StatusSent); err != nil {
		return err
	}
	e.metrics.RecordAction(persistence.StatusSent)

	if actor == "" {
		actor = "operator"
	}
	payload, _ := json.Marshal(map[string]int64{"id": id})
	e.audit(ctx, actor, "action_approve", payload)
	log.Info().Int64("action_id", id).Str("actor", actor).Msg("Action approved and sent")
	return nil
}

// Mode returns the current mode and auto flag.
func (e *Engine) Mode() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode, e.autoEnabled
}

// SetMode updates mode and/or the auto flag. Modes outside the policy set
// are rejected.
func (e *Engine) SetMode(ctx context.Context, mode *string, autoEnabled *bool, actor string) error {
	if mode != nil && !e.policy.AllowsMode(*mode) {
		return fmt.Errorf("%w: %q", ErrUnknownMode, *mode)
	}
	if actor == "" {
		actor = "operator"
	}

	e.mu.Lock()
	if mode != nil {
		e.mode = *mode
	}
	if autoEnabled != nil {
		e.autoEnabled = *autoEnabled
	}
	m, a := e.mode, e.autoEnabled
	e.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"mode": m, "auto_enabled": a})
	e.audit(ctx, actor, "mode_set", payload)
	log.Info().Str("mode", m).Bool("auto_enabled", a).Str("actor", actor).Msg("Mode updated")
	return nil
}

// Tiles returns a copy of the latest per-rack snapshots.
func (e *Engine) Tiles() map[string]Tile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Tile, len(e.tiles))
	for rack, tile := range e.tiles {
		out[rack] = tile
	}
	return out
}

// Discoveries returns the /discover view, promoting an expired scan first.
func (e *Engine) Discoveries() DiscoverySnapshot {
	return e.discovery.Snapshot(time.Now())
}

// Status returns the /status view.
func (e *Engine) Status() StatusSnapshot {
	e.mu.RLock()
	mode, auto := e.mode, e.autoEnabled
	ingest, last := e.ingestCount, e.lastIngestTS
	racks := len(e.tiles)
	e.mu.RUnlock()

	return StatusSnapshot{
		Mode:         mode,
		AutoEnabled:  auto,
		Site:         e.policy.Site,
		IngestCount:  ingest,
		LastIngestTS: last,
		TrackedRacks: racks,
		UptimeS:      time.Since(e.started).Seconds(),
		Discovery:    e.discovery.State(time.Now()),
	}
}

// Ledger exposes the durable store for read-side HTTP queries.
func (e *Engine) Ledger() persistence.Store {
	return e.store
}

func (e *Engine) deviceFor(rack string) string {
	e.mu.RLock()
	id, ok := e.deviceByRack[rack]
	e.mu.RUnlock()
	if ok && id != "" {
		return id
	}
	if id, ok := e.registry.DeviceForRack(rack); ok {
		return id
	}
	if e.policy.Site != "" {
		return e.policy.Site
	}
	return "device"
}

// currentSetpoints seeds the actuator view from the last applied receipt;
// the configured defaults stand in until one is observed.
func (e *Engine) currentSetpoints(ctx context.Context, deviceID string) models.Setpoints {
	e.mu.RLock()
	sp, ok := e.currentSet[deviceID]
	e.mu.RUnlock()
	if ok {
		return sp
	}

	receipt, err := e.store.LatestAppliedReceipt(ctx, deviceID)
	if err == nil && receipt != nil && receipt.AppliedJSON != "" {
		var applied models.Setpoints
		if json.Unmarshal([]byte(receipt.AppliedJSON), &applied) == nil && applied.FanRPM != 0 {
			e.mu.Lock()
			e.currentSet[deviceID] = applied
			e.mu.Unlock()
			return applied
		}
	}
	return models.DefaultSetpoints()
}

func (e *Engine) persistRetry(op string, fn func() error) error {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("Persistence failed, retrying once")
		if err2 := fn(); err2 != nil {
			return fmt.Errorf("failed to persist %s: %w", op, err2)
		}
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, actor, action string, payload []byte) {
	if err := e.store.RecordAudit(ctx, actor, action, string(payload)); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Audit write failed")
	}
}

func (e *Engine) warnDrop(topic string, err error) {
	if e.warnLimit.Allow() {
		log.Warn().Err(err).Str("topic", topic).Msg("Dropped malformed message")
	}
}

package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/dietbot/internal/buildinfo"
	"github.com/nugget/dietbot/internal/config"
	"github.com/nugget/dietbot/internal/report"
)

const defaultPublishInterval = 5 * time.Minute

// NutritionSource returns the running totals for the user's current
// local day. A nil report with a nil error means there is nothing to
// publish yet (no profile).
type NutritionSource interface {
	Today(ctx context.Context) (*report.DailyReport, error)
}

// NutritionFunc adapts a function to [NutritionSource].
type NutritionFunc func(ctx context.Context) (*report.DailyReport, error)

// Today calls f.
func (f NutritionFunc) Today(ctx context.Context) (*report.DailyReport, error) { return f(ctx) }

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes
// sensor state updates to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	nutrition  NutritionSource
	tokens     *DailyTokens
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. tokens may be nil.
func New(cfg config.MQTTConfig, instanceID string, nutrition NutritionSource, tokens *DailyTokens, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		nutrition:  nutrition,
		tokens:     tokens,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "dietbot-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "dietbot/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(suffix, name, icon string, opts ...func(*SensorConfig)) sensorDef {
	c := SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
	for _, o := range opts {
		o(&c)
	}
	return sensorDef{entitySuffix: suffix, config: c}
}

func measured(unit string) func(*SensorConfig) {
	return func(c *SensorConfig) {
		c.UnitOfMeasurement = unit
		c.StateClass = "measurement"
	}
}

func diagnostic(c *SensorConfig) { c.EntityCategory = "diagnostic" }

func (p *Publisher) sensorDefinitions() []sensorDef {
	defs := []sensorDef{
		p.sensor("calories_today", "Calories Today", "mdi:fire", measured("kcal")),
		p.sensor("calories_remaining", "Calories Remaining", "mdi:scale-balance", measured("kcal")),
		p.sensor("calorie_budget", "Calorie Budget", "mdi:target", measured("kcal")),
		p.sensor("protein_today", "Protein Today", "mdi:food-steak", measured("g")),
		p.sensor("carbs_today", "Carbs Today", "mdi:bread-slice", measured("g")),
		p.sensor("fat_today", "Fat Today", "mdi:water", measured("g")),
		p.sensor("foods_today", "Foods Logged Today", "mdi:silverware-fork-knife", measured("items")),
		p.sensor("uptime", "Uptime", "mdi:clock-outline", diagnostic),
		p.sensor("version", "Version", "mdi:tag", diagnostic),
	}
	if p.tokens != nil {
		defs = append(defs, p.sensor("tokens_today", "Tokens Today", "mdi:counter", measured("tokens"), diagnostic))
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = defaultPublishInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states builds the entity -> payload map for one publish cycle.
// Nutrition sensors are omitted when the source fails or has no data.
func (p *Publisher) states(ctx context.Context) map[string]string {
	states := map[string]string{
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
		"version": buildinfo.Version,
	}
	if p.tokens != nil {
		states["tokens_today"] = strconv.FormatInt(p.tokens.Snapshot().Total(), 10)
	}

	if p.nutrition == nil {
		return states
	}
	r, err := p.nutrition.Today(ctx)
	if err != nil {
		p.logger.Warn("mqtt nutrition totals unavailable", "error", err)
		return states
	}
	if r == nil {
		return states
	}
	states["calories_today"] = r.Calories.Round(0).String()
	states["calories_remaining"] = r.Remaining.Round(0).String()
	states["calorie_budget"] = strconv.Itoa(r.Budget)
	states["protein_today"] = r.ProteinG.Round(1).String()
	states["carbs_today"] = r.CarbsG.Round(1).String()
	states["fat_today"] = r.FatG.Round(1).String()
	states["foods_today"] = strconv.Itoa(r.FoodCount)
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.states(ctx)
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

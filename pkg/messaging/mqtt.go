package messaging

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
)

// Topics of the MQTT transport. The manager publishes on the worker topic and
// listens on the manager topic; workers do the opposite.
const (
	TopicWorkerUpdate  = "worker/update"
	TopicManagerUpdate = "manager/update"

	mqttQoS          = 1
	mqttTokenTimeout = 10 * time.Second
	mqttQuiesce      = 250 // ms
)

// MQTTMessenger talks to the other side through an MQTT broker.
type MQTTMessenger struct {
	*endpoint
	cfg            bench.CommConfig
	connectTimeout time.Duration
	publishTopic   string
	subscribeTopic string
	client         mqtt.Client

	// newClient is swapped out in tests.
	newClient func(o *mqtt.ClientOptions) mqtt.Client
}

var _ Messenger = (*MQTTMessenger)(nil)

// NewMQTTManager creates the manager side of the MQTT transport.
func NewMQTTManager(cfg bench.CommConfig, connectTimeout time.Duration, logger logging.Logger) *MQTTMessenger {
	return newMQTTMessenger(RecipientOrchestrator, cfg, connectTimeout, TopicWorkerUpdate, TopicManagerUpdate, logger)
}

// NewMQTTWorker creates the worker side of the MQTT transport.
func NewMQTTWorker(id string, cfg bench.CommConfig, connectTimeout time.Duration, logger logging.Logger) *MQTTMessenger {
	return newMQTTMessenger(id, cfg, connectTimeout, TopicManagerUpdate, TopicWorkerUpdate, logger)
}

func newMQTTMessenger(id string, cfg bench.CommConfig, connectTimeout time.Duration, pub, sub string, logger logging.Logger) *MQTTMessenger {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &MQTTMessenger{
		endpoint:       newEndpoint(id, logger),
		cfg:            cfg,
		connectTimeout: connectTimeout,
		publishTopic:   pub,
		subscribeTopic: sub,
		newClient:      mqtt.NewClient,
	}
}

func (m *MQTTMessenger) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Address).
		SetClientID(fmt.Sprintf("tm-bench-%s", NewWorkerID())).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(mqttTokenTimeout).
		SetWriteTimeout(mqttTokenTimeout).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Error("Connection to MQTT broker lost", "err", err)
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			m.logger.Info("Reconnecting to MQTT broker")
		})
	if len(m.cfg.Username) > 0 {
		opts.SetUsername(m.cfg.Username).SetPassword(m.cfg.Password)
	}
	return opts
}

// Initialize connects to the broker, retrying until the connect timeout
// expires, and subscribes to the inbound topic.
func (m *MQTTMessenger) Initialize(ctx context.Context) error {
	m.client = m.newClient(m.clientOptions())
	deadline := time.Now().Add(m.connectTimeout)
	for {
		token := m.client.Connect()
		if token.WaitTimeout(mqttTokenTimeout) && token.Error() == nil {
			break
		}
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("timed out")
		}
		if time.Now().After(deadline) {
			return bench.NewError(bench.ErrWorkerCommunication, err, "failed to connect to MQTT broker "+m.cfg.Address)
		}
		m.logger.Debug("Failed to connect to MQTT broker - retrying", "broker", m.cfg.Address, "err", err)
		select {
		case <-ctx.Done():
			return bench.NewError(bench.ErrWorkerCommunication, ctx.Err())
		case <-time.After(connectRetryInterval):
		}
	}

	m.start()
	token := m.client.Subscribe(m.subscribeTopic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		m.deliver(msg.Payload())
	})
	if !token.WaitTimeout(mqttTokenTimeout) {
		return bench.Errorf(bench.ErrWorkerCommunication, "timed out subscribing to %s", m.subscribeTopic)
	}
	if err := token.Error(); err != nil {
		return bench.NewError(bench.ErrWorkerCommunication, err, "subscribe "+m.subscribeTopic)
	}
	m.logger.Info("Connected to MQTT broker", "broker", m.cfg.Address, "topic", m.subscribeTopic)
	return nil
}

func (m *MQTTMessenger) Send(to []string, p Payload) error {
	if m.client == nil {
		return bench.Errorf(bench.ErrWorkerCommunication, "not connected")
	}
	data, err := m.envelope(to, p)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.publishTopic, mqttQoS, false, data)
	if !token.WaitTimeout(mqttTokenTimeout) {
		return bench.Errorf(bench.ErrWorkerCommunication, "timed out publishing %s message", p.Kind())
	}
	if err := token.Error(); err != nil {
		return bench.NewError(bench.ErrWorkerCommunication, err)
	}
	return nil
}

func (m *MQTTMessenger) Dispose() error {
	m.shutdown()
	if m.client == nil || !m.client.IsConnected() {
		return nil
	}
	token := m.client.Unsubscribe(m.subscribeTopic)
	token.WaitTimeout(mqttTokenTimeout)
	m.client.Disconnect(mqttQuiesce)
	return token.Error()
}

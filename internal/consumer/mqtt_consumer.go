package consumer

import (
	"context"
	"fmt"

	"github.com/4peng/Udara-sub000/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig MQTT 摄入配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTConsumer MQTT 实时读数消费者
// 部分网关经 MQTT 上报读数，与 Streams 消费者汇入同一个派发入口
type MQTTConsumer struct {
	config  MQTTConfig
	handler Handler
	client  mqtt.Client
	logger  *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(cfg MQTTConfig, handler Handler, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		config:  cfg,
		handler: handler,
		logger:  logger,
	}
}

// Start 连接并订阅（阻塞直到 ctx 取消）
// 断线重连交给 paho 的 AutoReconnect，ResumeSubs 保证重连后订阅恢复
func (c *MQTTConsumer) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost, reconnecting",
			zap.Error(err),
		)
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	token := c.client.Subscribe(c.config.Topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(ctx, msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		c.client.Disconnect(250)
		return fmt.Errorf("failed to subscribe to topic %s: %w", c.config.Topic, token.Error())
	}

	c.logger.Info("MQTT consumer started",
		zap.String("broker", c.config.Broker),
		zap.String("topic", c.config.Topic),
	)

	<-ctx.Done()

	c.client.Unsubscribe(c.config.Topic)
	c.client.Disconnect(250)
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理单条 MQTT 消息
func (c *MQTTConsumer) handleMessage(ctx context.Context, topic string, payload []byte) {
	reading, err := models.ParseReadingEvent(payload)
	if err != nil {
		c.logger.Warn("Failed to parse reading event from MQTT, discarding",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	if err := c.handler.OnNewReading(ctx, reading); err != nil {
		c.logger.Error("Failed to process reading from MQTT",
			zap.String("device_id", reading.DeviceID),
			zap.Error(err),
		)
	}
}

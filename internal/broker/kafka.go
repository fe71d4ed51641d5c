package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

// KafkaDialer connects to a Kafka cluster. Nodes map to topics; each message
// is a JSON value with its headers mirrored into record headers.
type KafkaDialer struct {
	GroupID  string        // Consumer group ID; one group per bridge instance
	ClientID string        // Client identifier
	Version  string        // Kafka version (e.g., "2.8.0")
	Timeout  time.Duration // Network timeouts (default: 10s)
}

// Dial connects to the comma-separated brokers in url. A "kafka://" prefix
// is accepted.
func (d *KafkaDialer) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	cfg, brokers, err := d.config(url)
	if err != nil {
		return nil, err
	}

	type result struct {
		client sarama.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := sarama.NewClient(brokers, cfg)
		done <- result{client, err}
	}()

	var client sarama.Client
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, errors.Wrap(errors.CodeTimeout, "kafka connect", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka client", r.err)
		}
		client = r.client
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka producer", err)
	}

	group, err := sarama.NewConsumerGroupFromClient(d.GroupID, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka consumer group", err)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	c := &kafkaConn{
		client:   client,
		producer: producer,
		group:    group,
		listener: l,
		ctx:      consumeCtx,
		cancel:   cancel,
	}

	c.wg.Add(1)
	go c.drainErrors()

	return c, nil
}

// config validates the dialer settings and builds the sarama configuration.
func (d *KafkaDialer) config(url string) (*sarama.Config, []string, error) {
	brokers := ParseKafkaBrokers(strings.TrimPrefix(url, "kafka://"))
	if len(brokers) == 0 {
		return nil, nil, errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if d.GroupID == "" {
		return nil, nil, errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}

	clientID := d.ClientID
	if clientID == "" {
		clientID = "overlay-bridge"
	}
	versionStr := d.Version
	if versionStr == "" {
		versionStr = "2.8.0"
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	version, err := sarama.ParseKafkaVersion(versionStr)
	if err != nil {
		return nil, nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	cfg := sarama.NewConfig()
	cfg.Version = version
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	cfg.Net.DialTimeout = timeout
	cfg.Net.ReadTimeout = timeout
	cfg.Net.WriteTimeout = timeout

	return cfg, brokers, nil
}

type kafkaConn struct {
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closing atomic.Bool
	ended   atomic.Bool
}

func (c *kafkaConn) Subscribe(_ context.Context, node string) error {
	if c.closing.Load() {
		return errors.ClosedError("kafka connection", nil)
	}

	c.wg.Add(1)
	go c.consume(node)
	return nil
}

func (c *kafkaConn) Publish(_ context.Context, node string, msg Message) error {
	if c.closing.Load() {
		return errors.ClosedError("kafka connection", nil)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal message", err)
	}

	out := &sarama.ProducerMessage{
		Topic: node,
		Key:   sarama.StringEncoder(msg.Topic),
		Value: sarama.ByteEncoder(data),
	}
	for k, v := range msg.Headers {
		out.Headers = append(out.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	if _, _, err := c.producer.SendMessage(out); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to kafka", err)
	}
	return nil
}

// Close stops the consumers and releases the client.
func (c *kafkaConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	var errs []error
	if err := c.group.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}
	c.wg.Wait()

	if err := c.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if err := c.client.Close(); err != nil && !stderrors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("errors during close: %v", errs))
	}
	return nil
}

// consume runs the group session loop for one topic until the connection
// closes. Consume returns at every rebalance, so it is called repeatedly.
func (c *kafkaConn) consume(topic string) {
	defer c.wg.Done()

	handler := &consumerGroupHandler{listener: c.listener}
	for {
		err := c.group.Consume(c.ctx, []string{topic}, handler)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
				c.end(nil)
			} else {
				c.end(err)
			}
			return
		}
	}
}

func (c *kafkaConn) drainErrors() {
	defer c.wg.Done()

	for err := range c.group.Errors() {
		c.end(err)
	}
}

// end reports the first terminal notification unless the owner closed the
// connection.
func (c *kafkaConn) end(err error) {
	if c.closing.Load() || !c.ended.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		c.listener.OnError(err)
		return
	}
	c.listener.OnClose()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	listener Listener
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, after all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim delivers messages from a Kafka partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case rec, ok := <-claim.Messages():
			if !ok || rec == nil {
				return nil
			}
			h.listener.OnMessage(decodeKafkaRecord(rec))
			session.MarkMessage(rec, "")
		}
	}
}

func decodeKafkaRecord(rec *sarama.ConsumerMessage) Message {
	var msg Message
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		msg = Message{Topic: rec.Topic, Data: string(rec.Value)}
	}

	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		if h == nil {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}
	mergeHeaders(&msg, headers)
	return msg
}

// ParseKafkaBrokers parses a comma-separated string of Kafka brokers.
func ParseKafkaBrokers(brokersStr string) []string {
	if brokersStr == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(brokersStr, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

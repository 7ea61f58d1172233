package export

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"

	"github.com/LucienLassalle/SLE/internal/record"
)

// kafkaRecord is the wire shape of one message value; the key is the
// source's filepath so a topic partitioned by key keeps one file's lines
// ordered.
type kafkaRecord struct {
	Timestamp string            `json:"timestamp"`
	Labels    map[string]string `json:"labels"`
	Message   string            `json:"message"`
}

// sha256Generator/sha512Generator and xdgSCRAMClient wrap xdg-go/scram
// into sarama's SCRAMClient interface, used only when KAFKA_SASL_USERNAME
// is set.
var (
	sha256Generator scram.HashGeneratorFcn = sha256.New
	sha512Generator scram.HashGeneratorFcn = sha512.New
)

type xdgSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *xdgSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *xdgSCRAMClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}

// kafkaSender owns one SyncProducer per broker list (cached by the
// exporter, keyed by the BackendSpec's endpoint list joined together),
// since establishing a sarama producer per batch would be wasteful.
type kafkaSender struct {
	mu        sync.Mutex
	producers map[string]sarama.SyncProducer
	topic     string
}

func newKafkaSender(topic string) *kafkaSender {
	if topic == "" {
		topic = "sle"
	}
	return &kafkaSender{producers: map[string]sarama.SyncProducer{}, topic: topic}
}

func (s *kafkaSender) serialize(batch []record.LogRecord) ([]kafkaRecord, error) {
	recs := make([]kafkaRecord, 0, len(batch))
	for _, r := range batch {
		recs = append(recs, kafkaRecord{
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
			Labels:    r.Labels,
			Message:   r.Text,
		})
	}
	return recs, nil
}

// send produces every record in the batch to one broker set, keyed by
// filepath for partition locality. A batch is accepted only if every
// message in it was accepted; sarama surfaces the first failure.
func (s *kafkaSender) send(brokers []string, recs []kafkaRecord, keys []string) error {
	producer, err := s.producerFor(brokers)
	if err != nil {
		return err
	}
	for i, rec := range recs {
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(keys[i]),
			Value: sarama.ByteEncoder(value),
		}
		if _, _, err := producer.SendMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *kafkaSender) producerFor(brokers []string) (sarama.SyncProducer, error) {
	key := brokerKey(brokers)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.producers[key]; ok {
		return p, nil
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 0 // the exporter owns retry/backoff, not sarama

	if user := os.Getenv("KAFKA_SASL_USERNAME"); user != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		cfg.Net.SASL.User = user
		cfg.Net.SASL.Password = os.Getenv("KAFKA_SASL_PASSWORD")
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
		}
	}

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	s.producers[key] = producer
	return producer, nil
}

func (s *kafkaSender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.producers {
		_ = p.Close()
	}
}

func brokerKey(brokers []string) string {
	key := ""
	for _, b := range brokers {
		key += b + ","
	}
	return key
}

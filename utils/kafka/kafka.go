package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/linkedin/goavro"
	kafka "github.com/segmentio/kafka-go"

	appctx "github.com/sunupay/sunupay/utils/context"
	errorutils "github.com/sunupay/sunupay/utils/errors"
	"github.com/sunupay/sunupay/utils/logging"
)

// publishTimeout bounds every publish; the bus is fire and forget and
// must never hold up a business transition
const publishTimeout = 2 * time.Second

// Writer is a thin wrapper over a kafka writer plus the avro codecs
// used to encode its messages
type Writer struct {
	kafkaWriter *kafka.Writer
	codecs      map[string]*goavro.Codec
}

// NewWriter creates a kafka writer for the given topic, brokers from context
func NewWriter(ctx context.Context, topic string) (*Writer, error) {
	logger := logging.Logger(ctx, "kafka.NewWriter")

	brokers, err := appctx.GetStringFromContext(ctx, appctx.KafkaBrokersCTXKey)
	if err != nil {
		return nil, errorutils.Wrap(err, "kafka brokers not configured")
	}

	kafkaWriter := kafka.NewWriter(kafka.WriterConfig{
		// by default we are waiting for acks from all nodes
		Brokers:  strings.Split(brokers, ","),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
		Logger:   kafka.LoggerFunc(logger.Printf),
	})

	return &Writer{
		kafkaWriter: kafkaWriter,
		codecs:      map[string]*goavro.Codec{},
	}, nil
}

// AddCodec registers an avro codec under the given name
func (w *Writer) AddCodec(name string, schema string) error {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return errorutils.Wrap(err, "invalid avro schema")
	}
	w.codecs[name] = codec
	return nil
}

// Publish encodes the native value with the named codec and writes it.
// The write is bounded by publishTimeout and is never retried here;
// retrying at this layer could duplicate business side effects.
func (w *Writer) Publish(ctx context.Context, codecName string, key string, native map[string]interface{}) error {
	codec, ok := w.codecs[codecName]
	if !ok {
		return errorutils.New(nil, "no codec registered: "+codecName, nil)
	}

	binary, err := codec.BinaryFromNative(nil, native)
	if err != nil {
		return errorutils.Wrap(err, "avro encode failed")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return w.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: binary,
	})
}

// Close the underlying writer
func (w *Writer) Close() error {
	return w.kafkaWriter.Close()
}

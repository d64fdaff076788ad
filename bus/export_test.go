package bus

import "time"

func NewKafkaTransportForTest(reader IKafkaReader, writer IKafkaWriter, maxAge time.Duration, valueMaxBytes int) *KafkaTransport {
	return newKafkaTransport(reader, writer, maxAge, valueMaxBytes)
}

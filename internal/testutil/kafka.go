//go:build integration

package testutil

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

const defaultBrokers = "localhost:9092"

// TestBrokers returns the Kafka broker addresses for integration tests.
// Override with INTEGRATION_KAFKA_BROKERS environment variable.
func TestBrokers() []string {
	brokers := os.Getenv("INTEGRATION_KAFKA_BROKERS")
	if brokers == "" {
		brokers = defaultBrokers
	}
	return strings.Split(brokers, ",")
}

// TestTopicName generates a unique topic name from the test name and
// current timestamp.
func TestTopicName(t *testing.T) string {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "-")
	name = strings.ReplaceAll(name, " ", "-")
	return fmt.Sprintf("test-%s-%d", name, time.Now().UnixNano())
}

// TestGroupID generates a unique consumer group ID for the test.
func TestGroupID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("group-%s-%d", strings.ReplaceAll(t.Name(), "/", "-"), time.Now().UnixNano())
}

// Package transports registers every built-in broker with the default
// registry.
package transports

import (
	"sync"

	"github.com/drblury/callflow/transport/aws"
	"github.com/drblury/callflow/transport/channel"
	"github.com/drblury/callflow/transport/http"
	"github.com/drblury/callflow/transport/kafka"
	"github.com/drblury/callflow/transport/nats"
	"github.com/drblury/callflow/transport/rabbitmq"
)

var once sync.Once

// RegisterAll is safe to call more than once.
func RegisterAll() {
	once.Do(func() {
		aws.Register()
		channel.Register()
		http.Register()
		kafka.Register()
		nats.Register()
		rabbitmq.Register()
	})
}

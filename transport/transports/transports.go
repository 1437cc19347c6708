// Package transports registers every built-in notification backend with
// transport.DefaultRegistry.
package transports

import (
	_ "github.com/drblury/transitflow/transport/aws"
	_ "github.com/drblury/transitflow/transport/channel"
	_ "github.com/drblury/transitflow/transport/http"
	_ "github.com/drblury/transitflow/transport/io"
	_ "github.com/drblury/transitflow/transport/kafka"
	_ "github.com/drblury/transitflow/transport/nats"
	_ "github.com/drblury/transitflow/transport/rabbitmq"
)

package frames

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("framekeeper/internal/frames")

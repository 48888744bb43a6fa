package fake

import (
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
)

// GetTracerWithError returns an error when asked for a tracer.
func GetTracerWithError(string) (opentracing.Tracer, error) {
	return nil, fakeErr
}

// NewTracer returns a tracer that records the finished spans in memory.
func NewTracer() *mocktracer.MockTracer {
	return mocktracer.New()
}

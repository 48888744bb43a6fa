// Package ballot runs institution-scoped anonymous ballots anchored on a
// smart-contract ledger.
package ballot

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance.
var Logger = zerolog.New(logout).
	With().Timestamp().Logger().
	With().Caller().Logger().
	Level(zerolog.DebugLevel)

// PromCollectors exposes the Prometheus collectors created by the packages.
// They are registered by the metrics controller when it starts.
var PromCollectors []prometheus.Collector

// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

const metricsNamespace = "tss"

// metrics holds the counters for a context. A nil *metrics records nothing.
type metrics struct {
	commands     *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	evictions    prometheus.Counter
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var e prometheus.AlreadyRegisteredError
		if xerrors.As(err, &e) {
			// Several contexts can share a registerer.
			return e.ExistingCollector
		}
		panic(fmt.Sprintf("cannot register metrics collector: %v", err))
	}
	return c
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	commands := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Total number of TPM commands executed by command code and response code",
		},
		[]string{"command", "rc"})
	authFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Total number of failed command authorizations by command code",
		},
		[]string{"command"})
	evictions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "keys",
			Name:      "evictions_total",
			Help:      "Total number of keys evicted from the TPM to make space for another key",
		})

	return &metrics{
		commands:     registerCollector(reg, commands).(*prometheus.CounterVec),
		authFailures: registerCollector(reg, authFailures).(*prometheus.CounterVec),
		evictions:    registerCollector(reg, evictions).(prometheus.Counter)}
}

func (m *metrics) command(code CommandCode, rc ResponseCode) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(code.String(), fmt.Sprintf("0x%08x", uint32(rc))).Inc()
}

func (m *metrics) authFailure(code CommandCode) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(code.String()).Inc()
}

func (m *metrics) eviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_rooms_active",
		Help: "Rooms with at least one socket on this instance",
	})

	clientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_clients_connected",
		Help: "Open room sockets on this instance",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_frames_total",
		Help: "Frames received from clients by type",
	}, []string{"type"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_frames_dropped_total",
		Help: "Frames discarded by reason",
	}, []string{"reason"})

	presenceExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_presence_expired_total",
		Help: "Presence entries removed because their heartbeat lapsed",
	})

	recordWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_record_writes_total",
		Help: "Record writes by table and kind",
	}, []string{"table", "kind"})

	importFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_import_failures_total",
		Help: "Rejected imports by table",
	}, []string{"table"})

	recordStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_record_streams",
		Help: "Open record change streams",
	})
)

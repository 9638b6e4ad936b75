package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_temp_chunks_written_total",
		Help: "Temp chunks persisted from recorder data callbacks",
	})

	chunkWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_temp_chunk_write_errors_total",
		Help: "Temp chunks dropped because the store rejected the write",
	})

	clipsAssembledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_clips_assembled_total",
		Help: "Clips written to the archive, by trigger",
	}, []string{"trigger"})

	assemblySkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_assembly_skipped_total",
		Help: "Sessions whose temps were discarded without producing a clip",
	}, []string{"reason"})

	clipsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_clips_evicted_total",
		Help: "Clips deleted by the capacity reaper",
	})

	evictedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_evicted_bytes_total",
		Help: "Payload bytes freed by the capacity reaper",
	})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_rotations_total",
		Help: "Recorder rotations, by trigger",
	}, []string{"trigger"})

	watchdogFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_watchdog_fired_total",
		Help: "Stall watchdog expiries, by outcome",
	}, []string{"outcome"})

	recordingStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recorder_state",
		Help: "1 for the current recording state, 0 for the others",
	}, []string{"state"})
)

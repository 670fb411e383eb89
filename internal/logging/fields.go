package logging

import "github.com/sirupsen/logrus"

// BatchFields identifies a batch run in log lines.
func BatchFields(runID, batch, design string, arrays int) logrus.Fields {
	return logrus.Fields{
		"run_id": runID,
		"batch":  batch,
		"design": design,
		"arrays": arrays,
	}
}

// PhaseFields describes a finished pipeline phase.
func PhaseFields(phase string, elapsedMS int64, loads, flushes, windowMoves uint64) logrus.Fields {
	return logrus.Fields{
		"phase":        phase,
		"elapsed_ms":   elapsedMS,
		"loads":        loads,
		"flushes":      flushes,
		"window_moves": windowMoves,
	}
}

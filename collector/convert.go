package collector

import (
	"context"

	"github.com/perfslot/perfslot/parquetout"
)

// TimeslotToRows converts a completed timeslot into writer rows.
func TimeslotToRows(slot *TimeslotData) []parquetout.TimeslotRow {
	rows := make([]parquetout.TimeslotRow, 0, slot.TaskCount())

	for pid, task := range slot.Tasks {
		row := parquetout.TimeslotRow{
			StartTime:       int64(slot.StartTimestamp),
			Pid:             int32(pid),
			Cycles:          int64(task.Metrics.Cycles),
			Instructions:    int64(task.Metrics.Instructions),
			LLCMisses:       int64(task.Metrics.LLCMisses),
			CacheReferences: int64(task.Metrics.CacheReferences),
			Duration:        int64(task.Metrics.TimeNs),
		}

		if task.Metadata != nil {
			name := task.Metadata.CommString()
			row.ProcessName = &name
			row.CgroupID = int64(task.Metadata.CgroupID)
		}

		rows = append(rows, row)
	}

	return rows
}

// ConversionTask turns completed timeslots into record batches for the
// writer, off the polling thread.
type ConversionTask struct {
	in   <-chan *TimeslotData
	send func([]parquetout.TimeslotRow) bool
}

// NewConversionTask wires the timeslot channel to the writer's batch
// input.
func NewConversionTask(in <-chan *TimeslotData, send func([]parquetout.TimeslotRow) bool) *ConversionTask {
	return &ConversionTask{in: in, send: send}
}

// Run converts timeslots until the context is cancelled.
func (m *ConversionTask) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case slot := <-m.in:
			if slot == nil || slot.TaskCount() == 0 {
				continue
			}
			m.send(TimeslotToRows(slot))
		}
	}
}

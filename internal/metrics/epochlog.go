package metrics

// EpochRecord holds the metrics of one completed epoch.
type EpochRecord struct {
	Epoch        int
	TrainLoss    float64
	TestLoss     float64
	TestAccuracy float64
	LearningRate float64
}

// EpochLog is an append-only sequence of epoch records.
type EpochLog struct {
	records []EpochRecord
}

// Append adds rec after every existing record.
func (l *EpochLog) Append(rec EpochRecord) {
	l.records = append(l.records, rec)
}

// Records returns a copy of the log in epoch order.
func (l *EpochLog) Records() []EpochRecord {
	return append([]EpochRecord(nil), l.records...)
}

// Len reports the number of completed epochs.
func (l *EpochLog) Len() int {
	return len(l.records)
}

// Last returns the most recent record, if any.
func (l *EpochLog) Last() (EpochRecord, bool) {
	if len(l.records) == 0 {
		return EpochRecord{}, false
	}
	return l.records[len(l.records)-1], true
}

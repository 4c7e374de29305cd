package recovery

// ReplayLog Replay log n from offset up to its last complete record. Returns where that record ends.
func (e *Engine) ReplayLog(n int64, offset int64) (int64, error) {
	r, err := e.openLog(n)
	if err != nil {
		return offset, err
	}
	defer r.Close()
	return e.consume(r, n, offset)
}

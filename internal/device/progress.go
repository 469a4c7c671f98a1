package device

// ProgressCallback is called during long operations to report progress.
// current and total are byte counts, description is a human-readable phase name.
type ProgressCallback func(current, total int64, description string)

// TransferProgress tracks a transfer operation.
type TransferProgress struct {
	Bytes      int64
	TotalBytes int64
	Phase      string
}

// Percent returns the progress as a fraction (0.0 to 1.0).
func (p TransferProgress) Percent() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.Bytes) / float64(p.TotalBytes)
}

// Report calls fn if it is set.
func (fn ProgressCallback) Report(current, total int64, description string) {
	if fn != nil {
		fn(current, total, description)
	}
}

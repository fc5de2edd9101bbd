package txstats

import (
	"time"
)

// Status is the lifecycle state of a single transaction.
type Status string

const (
	StatusCreated Status = "created"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// TxStatus is the outcome of one submitted transaction. Times are Unix
// milliseconds so that they survive the trip between processes unchanged.
type TxStatus struct {
	ID          string                 `json:"id"`
	Status      Status                 `json:"status"`
	Verified    bool                   `json:"verified,omitempty"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	TimeCreate  int64                  `json:"time_create"`
	TimeEndorse int64                  `json:"time_endorse,omitempty"`
	TimeFinal   int64                  `json:"time_final,omitempty"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
}

// NowMillis returns the current time as Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// NewTxStatus creates a transaction status with its creation mark set to now.
func NewTxStatus(id string) *TxStatus {
	return &TxStatus{
		ID:         id,
		Status:     StatusCreated,
		TimeCreate: NowMillis(),
	}
}

// NewFailedTxStatus produces the record used when a submission attempt fails
// before the backend returned anything.
func NewFailedTxStatus(id string, err error) *TxStatus {
	tx := NewTxStatus(id)
	tx.SetStatusFail(err)
	return tx
}

// SetStatusSuccess marks the transaction committed at the current time,
// unless the final time was already recorded.
func (t *TxStatus) SetStatusSuccess() {
	t.Status = StatusSuccess
	if t.TimeFinal == 0 {
		t.TimeFinal = NowMillis()
	}
}

// SetStatusFail marks the transaction failed at the current time.
func (t *TxStatus) SetStatusFail(err error) {
	t.Status = StatusFailed
	if err != nil {
		t.Error = err.Error()
	}
	if t.TimeFinal == 0 {
		t.TimeFinal = NowMillis()
	}
}

// MarkEndorsed records the time the backend accepted the transaction.
func (t *TxStatus) MarkEndorsed() {
	t.TimeEndorse = NowMillis()
}

// IsCommitted reports whether the transaction finished successfully.
func (t *TxStatus) IsCommitted() bool {
	return t.Status == StatusSuccess
}

// Latency returns the commit latency in milliseconds.
func (t *TxStatus) Latency() int64 {
	return t.TimeFinal - t.TimeCreate
}

// Set stores a custom value on the status.
func (t *TxStatus) Set(key string, val interface{}) {
	if t.Custom == nil {
		t.Custom = make(map[string]interface{})
	}
	t.Custom[key] = val
}

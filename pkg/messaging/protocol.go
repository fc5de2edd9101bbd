package messaging

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/informalsystems/tm-bench/pkg/txstats"
	uuid "github.com/satori/go.uuid"
)

// Kind identifies the payload carried by an envelope.
type Kind string

const (
	KindConnected   Kind = "connected"   // worker -> manager: a worker process is up
	KindAssign      Kind = "assign"      // manager -> worker: index assignment
	KindReady       Kind = "ready"       // worker -> manager: index accepted
	KindInit        Kind = "init"        // manager -> worker: adapter selection and arguments
	KindInitialized Kind = "initialized" // worker -> manager
	KindPrepare     Kind = "prepare"     // manager -> worker: round setup
	KindPrepared    Kind = "prepared"    // worker -> manager
	KindTest        Kind = "test"        // manager -> worker: run a round
	KindTestResult  Kind = "testResult"  // worker -> manager: round summary
	KindTxUpdate    Kind = "txUpdate"    // worker -> manager: live progress
	KindTxReset     Kind = "txReset"     // worker -> manager: clear live progress
	KindError       Kind = "error"       // worker -> manager: a phase failed
	KindExit        Kind = "exit"        // manager -> worker: terminate

	// KindDisconnected is raised by the manager's transport, on behalf of a
	// worker whose connection was lost. It never travels on the wire.
	KindDisconnected Kind = "disconnected"
)

// Reserved recipients.
const (
	RecipientOrchestrator = "orchestrator"
	RecipientAll          = "all"
)

// Payload is implemented by every message body of the protocol.
type Payload interface {
	Kind() Kind
}

type Connected struct {
	Hostname string `json:"hostname,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

type Assign struct {
	WorkerID    string `json:"workerId"`
	WorkerIndex int    `json:"workerIndex"`
}

type Ready struct {
	WorkerIndex int `json:"workerIndex"`
}

type Init struct {
	Network      bench.NetworkConfig    `json:"network"`
	Arguments    map[string]interface{} `json:"arguments,omitempty"`
	TotalWorkers int                    `json:"totalWorkers"`
}

type Initialized struct {
	WorkerIndex int `json:"workerIndex"`
}

type Prepare struct {
	Round bench.RoundConfig `json:"round"`
}

type Prepared struct {
	WorkerIndex int `json:"workerIndex"`
	Round       int `json:"round"`
}

type Test struct {
	Round        bench.RoundConfig `json:"round"`
	TotalWorkers int               `json:"totalWorkers"`
}

// TestResult is a worker's summary of a round. Start and End are Unix
// milliseconds.
type TestResult struct {
	WorkerIndex int              `json:"workerIndex"`
	Round       int              `json:"round"`
	Results     *txstats.Summary `json:"results"`
	Start       int64            `json:"start"`
	End         int64            `json:"end"`
}

// TxUpdate carries the progress since the previous update.
type TxUpdate struct {
	WorkerIndex int              `json:"workerIndex"`
	Round       int              `json:"round"`
	Submitted   int              `json:"submitted"`
	Committed   *txstats.Summary `json:"committed"`
}

type TxReset struct {
	WorkerIndex int `json:"workerIndex"`
	Round       int `json:"round"`
}

// Error reports the failure of a worker phase.
type Error struct {
	WorkerIndex int    `json:"workerIndex"`
	Phase       Kind   `json:"phase"`
	Round       int    `json:"round"`
	Message     string `json:"message"`
}

type Exit struct {
	Reason string `json:"reason,omitempty"`
}

type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

func (Connected) Kind() Kind   { return KindConnected }
func (Assign) Kind() Kind      { return KindAssign }
func (Ready) Kind() Kind       { return KindReady }
func (Init) Kind() Kind        { return KindInit }
func (Initialized) Kind() Kind { return KindInitialized }
func (Prepare) Kind() Kind     { return KindPrepare }
func (Prepared) Kind() Kind    { return KindPrepared }
func (Test) Kind() Kind        { return KindTest }
func (TestResult) Kind() Kind  { return KindTestResult }
func (TxUpdate) Kind() Kind    { return KindTxUpdate }
func (TxReset) Kind() Kind     { return KindTxReset }
func (Error) Kind() Kind       { return KindError }
func (Exit) Kind() Kind        { return KindExit }

func (Disconnected) Kind() Kind { return KindDisconnected }

// Envelope is the wire form of a message.
type Envelope struct {
	To        []string        `json:"to"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Kind      Kind            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Message is a decoded envelope.
type Message struct {
	To        []string
	From      string
	Timestamp int64
	Payload   Payload
}

// Kind is a shorthand for the payload's kind.
func (m Message) Kind() Kind {
	return m.Payload.Kind()
}

// NewEnvelope wraps the payload for delivery.
func NewEnvelope(from string, to []string, p Payload) (*Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return &Envelope{
		To:        to,
		From:      from,
		Timestamp: txstats.NowMillis(),
		Kind:      p.Kind(),
		Data:      data,
	}, nil
}

// Addressed reports whether any of the recipients matches id, or the message
// is a broadcast.
func (e *Envelope) Addressed(id string) bool {
	for _, to := range e.To {
		if to == id || to == RecipientAll {
			return true
		}
	}
	return false
}

// Decode produces the typed message for the envelope.
func Decode(env *Envelope) (Message, error) {
	var p Payload
	var err error
	switch env.Kind {
	case KindConnected:
		p, err = decodeAs[Connected](env.Data)
	case KindAssign:
		p, err = decodeAs[Assign](env.Data)
	case KindReady:
		p, err = decodeAs[Ready](env.Data)
	case KindInit:
		p, err = decodeAs[Init](env.Data)
	case KindInitialized:
		p, err = decodeAs[Initialized](env.Data)
	case KindPrepare:
		p, err = decodeAs[Prepare](env.Data)
	case KindPrepared:
		p, err = decodeAs[Prepared](env.Data)
	case KindTest:
		p, err = decodeAs[Test](env.Data)
	case KindTestResult:
		p, err = decodeAs[TestResult](env.Data)
	case KindTxUpdate:
		p, err = decodeAs[TxUpdate](env.Data)
	case KindTxReset:
		p, err = decodeAs[TxReset](env.Data)
	case KindError:
		p, err = decodeAs[Error](env.Data)
	case KindExit:
		p, err = decodeAs[Exit](env.Data)
	default:
		return Message{}, fmt.Errorf("unrecognized message type %q", env.Kind)
	}
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode %s message: %w", env.Kind, err)
	}
	return Message{To: env.To, From: env.From, Timestamp: env.Timestamp, Payload: withSummaries(p)}, nil
}

// withSummaries replaces missing summaries with the null summary.
func withSummaries(p Payload) Payload {
	switch v := p.(type) {
	case TestResult:
		if v.Results == nil {
			v.Results = txstats.NewNullSummary()
		}
		return v
	case TxUpdate:
		if v.Committed == nil {
			v.Committed = txstats.NewNullSummary()
		}
		return v
	}
	return p
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// NewWorkerID generates a unique worker identifier.
func NewWorkerID() string {
	return strings.ReplaceAll(uuid.NewV4().String(), "-", "")
}

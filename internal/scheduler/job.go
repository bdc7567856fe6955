package scheduler

import "net"

// Outcome is the terminal result a worker reports back for a job.
type Outcome int

const (
	Success Outcome = iota
	HandshakeFail
	ProtocolFail
	HashMismatch
	Timeout
	ConnRefused
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case HandshakeFail:
		return "handshake_fail"
	case ProtocolFail:
		return "protocol_fail"
	case HashMismatch:
		return "hash_mismatch"
	case Timeout:
		return "timeout"
	case ConnRefused:
		return "conn_refused"
	default:
		return "unknown"
	}
}

// State names a job's position in its fetch lifecycle, from being
// handed to a worker through to its terminal outcome.
type State int

const (
	Queued State = iota
	Dispatched
	Connected
	HandshakeOK
	ExtHandshakeOK
	PiecesFetching
	Verified
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Dispatched:
		return "dispatched"
	case Connected:
		return "connected"
	case HandshakeOK:
		return "handshake_ok"
	case ExtHandshakeOK:
		return "ext_handshake_ok"
	case PiecesFetching:
		return "pieces_fetching"
	case Verified:
		return "verified"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is a single (infohash, peer_addr) unit of work. state is a
// pointer shared between the scheduler and the worker goroutine that
// owns the job so either side can record lifecycle transitions; the
// two never write concurrently, since the scheduler only touches it
// before handing the job to a worker and after that worker returns.
type Job struct {
	InfoHash [20]byte
	Addr     *net.TCPAddr
	// TraceID identifies this job across log lines for its whole
	// lifetime, generalizing the reference client's per-torrent
	// uuid.NewV1() id to a per-job one.
	TraceID string
	state   *State
}

// newJob builds a Job in its initial Queued state.
func newJob(infoHash [20]byte, addr *net.TCPAddr, traceID string) Job {
	st := Queued
	return Job{InfoHash: infoHash, Addr: addr, TraceID: traceID, state: &st}
}

// SetState records the job's current lifecycle state.
func (j Job) SetState(s State) {
	if j.state != nil {
		*j.state = s
	}
}

// State returns the job's last recorded lifecycle state.
func (j Job) State() State {
	if j.state == nil {
		return Queued
	}
	return *j.state
}

func seenKey(infoHash [20]byte, addr *net.TCPAddr) string {
	return string(infoHash[:]) + "|" + addr.String()
}

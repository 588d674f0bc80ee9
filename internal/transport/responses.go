package transport

import "strings"

// Approval is the remote host-approval verdict derived from a ping response.
type Approval int

const (
	// ApprovalUnknown means the server sent no host status; with a key
	// configured this reads as "not yet registered" and uploads proceed
	// optimistically.
	ApprovalUnknown Approval = iota
	ApprovalApproved
	ApprovalPending
	ApprovalDenied
)

func (a Approval) String() string {
	switch a {
	case ApprovalApproved:
		return "approved"
	case ApprovalPending:
		return "pending"
	case ApprovalDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// HostStatus carries the host-approval information from a ping response.
// Older servers send only the isApproved boolean; newer ones add a status
// string with a pending/denied distinction.
type HostStatus struct {
	Hostname string `json:"hostname"`
	Approved bool   `json:"isApproved"`
	Status   string `json:"status"`
}

// PingResponse is the decoded ping payload. Two protocol revisions are in
// the wild; fields absent from one revision simply stay zero, and the
// accessor methods paper over the differences.
type PingResponse struct {
	ServiceStatus string      `json:"serviceStatus"`
	Status        string      `json:"status"`
	Environment   string      `json:"environment"`
	Message       string      `json:"message"`
	Timestamp     string      `json:"timestamp"`
	KeyStatus     string      `json:"keyStatus"`
	KeyUser       string      `json:"keyUser"`
	Host          *HostStatus `json:"hostStatus"`
}

// Running reports whether the service declares itself up in either protocol
// revision.
func (p *PingResponse) Running() bool {
	if s := strings.ToLower(strings.TrimSpace(p.ServiceStatus)); s != "" {
		return s == "running"
	}
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "running", "ok", "online":
		return true
	}
	return false
}

// KeyValid reports whether the server explicitly validated the API key.
func (p *PingResponse) KeyValid() bool {
	return strings.EqualFold(strings.TrimSpace(p.KeyStatus), "valid")
}

// HostApproval maps the optional host status onto an approval verdict.
func (p *PingResponse) HostApproval() Approval {
	if p.Host == nil {
		return ApprovalUnknown
	}
	switch strings.ToLower(strings.TrimSpace(p.Host.Status)) {
	case "approved":
		return ApprovalApproved
	case "pending":
		return ApprovalPending
	case "denied", "rejected":
		return ApprovalDenied
	}
	if p.Host.Approved {
		return ApprovalApproved
	}
	return ApprovalPending
}

// QueueCounts is the normalized view of the remote queue.
type QueueCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

type queueSection struct {
	Active    int `json:"active"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StatusResponse is the decoded queue-status payload, tolerant of both the
// flat revision and the nested queue{} revision.
type StatusResponse struct {
	Pending       int           `json:"pending"`
	Processing    int           `json:"processing"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	IsBusy        bool          `json:"isBusy"`
	MaxConcurrent int           `json:"maxConcurrent"`
	Queue         *queueSection `json:"queue"`
}

// Busy reports whether the remote wants senders to hold off.
func (s *StatusResponse) Busy() bool {
	return s.IsBusy
}

// Counts normalizes the two status shapes into one view. The nested queue
// section wins when present.
func (s *StatusResponse) Counts() QueueCounts {
	if s.Queue != nil {
		return QueueCounts{
			Pending:    s.Queue.Waiting,
			Processing: s.Queue.Active,
			Completed:  s.Queue.Completed,
			Failed:     s.Queue.Failed,
		}
	}
	return QueueCounts{
		Pending:    s.Pending,
		Processing: s.Processing,
		Completed:  s.Completed,
		Failed:     s.Failed,
	}
}

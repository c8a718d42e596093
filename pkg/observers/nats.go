package observers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petrijr/stageflow/pkg/api"
)

// DefaultSubject is the subject prefix progress messages are published under.
const DefaultSubject = "stageflow.progress"

// Publisher is the subset of *nats.Conn used by NATSProgress.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// ProgressMessage is the JSON payload published for each progress event and
// each final run status.
type ProgressMessage struct {
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	Stage     string    `json:"stage,omitempty"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSProgress publishes run progress to NATS on "<subject>.<run id>" so
// that clients can follow a single run with a plain subscription or all
// runs with "<subject>.>".
type NATSProgress struct {
	api.NoopObserver

	pub     Publisher
	subject string
	logger  *slog.Logger
	now     func() time.Time
}

// NewNATSProgress returns an observer publishing through pub. An empty
// subject uses DefaultSubject.
func NewNATSProgress(pub Publisher, subject string, logger *slog.Logger) *NATSProgress {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSProgress{pub: pub, subject: subject, logger: logger, now: time.Now}
}

// ConnectNATS dials url and returns an observer publishing on subject
// together with the connection, which the caller must close.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSProgress, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("stageflow"))
	if err != nil {
		return nil, nil, err
	}
	return NewNATSProgress(nc, subject, logger), nc, nil
}

var _ api.Observer = (*NATSProgress)(nil)

// Subject returns the subject messages for runID are published on.
func (n *NATSProgress) Subject(runID string) string {
	return n.subject + "." + runID
}

func (n *NATSProgress) OnProgress(ctx context.Context, run *api.RunRecord, ev api.Event) {
	if ev.Progress == nil {
		return
	}
	n.publish(run, ProgressMessage{
		Stage:   ev.Progress.Workflow,
		Source:  ev.Progress.Source,
		Message: ev.Progress.Message,
	})
}

func (n *NATSProgress) OnRunCompleted(ctx context.Context, run *api.RunRecord) {
	n.publish(run, ProgressMessage{Status: string(api.StatusCompleted)})
}

func (n *NATSProgress) OnRunFailed(ctx context.Context, run *api.RunRecord, err error) {
	status := api.StatusFailed
	if run.Status == api.StatusTimedOut {
		status = api.StatusTimedOut
	}
	msg := ProgressMessage{Status: string(status)}
	if err != nil {
		msg.Error = err.Error()
	}
	n.publish(run, msg)
}

// publish never fails the run; errors are logged and dropped.
func (n *NATSProgress) publish(run *api.RunRecord, msg ProgressMessage) {
	msg.RunID = run.ID
	msg.Workflow = run.Workflow
	msg.Timestamp = n.now()

	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Warn("nats_marshal_failed", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	if err := n.pub.Publish(n.Subject(run.ID), data); err != nil {
		n.logger.Warn("nats_publish_failed",
			slog.String("run_id", run.ID),
			slog.String("subject", n.Subject(run.ID)),
			slog.Any("error", err),
		)
	}
}

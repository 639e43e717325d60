package reactive

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/identity"
	"github.com/thpham/runnerfleet/internal/platform"
)

type fakeQueue struct {
	messages []Message
	acked    []Message
	requeued []Message
	dropped  []Message
}

func (f *fakeQueue) Receive(ctx context.Context) (Message, error) {
	if len(f.messages) == 0 {
		return Message{}, errors.New("no messages queued in test fake")
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeQueue) Ack(ctx context.Context, msg Message) error {
	f.acked = append(f.acked, msg)
	return nil
}

func (f *fakeQueue) RejectRequeue(ctx context.Context, msg Message) error {
	f.requeued = append(f.requeued, msg)
	return nil
}

func (f *fakeQueue) RejectDrop(ctx context.Context, msg Message) error {
	f.dropped = append(f.dropped, msg)
	return nil
}

type fakePlatform struct {
	dispatched bool
}

func (f *fakePlatform) IssueCredential(ctx context.Context, id identity.RunnerIdentity, labels []string) (platform.Credential, identity.PlatformRunnerHealth, error) {
	return platform.Credential{}, identity.PlatformRunnerHealth{}, nil
}

func (f *fakePlatform) GetRunnersHealth(ctx context.Context, ids []identity.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	return platform.RunnersHealthResponse{}, nil
}

func (f *fakePlatform) GetRunnerHealth(ctx context.Context, id identity.RunnerIdentity) (identity.PlatformRunnerHealth, error) {
	return identity.PlatformRunnerHealth{}, nil
}

func (f *fakePlatform) DeleteRunner(ctx context.Context, id identity.RunnerIdentity) error { return nil }

func (f *fakePlatform) CheckJobDispatched(ctx context.Context, meta identity.RunnerMetadata, jobURL string) (bool, error) {
	return f.dispatched, nil
}

func (f *fakePlatform) GetRemovalToken(ctx context.Context) (string, error) { return "", nil }

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return log
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRunAcksEndOfProcessingSentinel(t *testing.T) {
	q := &fakeQueue{messages: []Message{{Payload: EndProcessingPayload}}}
	c := NewConsumer(q, nil, &fakePlatform{}, nil, discardLogger())

	err := c.Run(context.Background())
	if !errors.Is(err, ErrEndOfProcessing) {
		t.Fatalf("Run() error = %v, want ErrEndOfProcessing", err)
	}
	if len(q.acked) != 1 {
		t.Fatalf("sentinel message was not acked")
	}
}

func TestRunDropsMalformedPayload(t *testing.T) {
	q := &fakeQueue{messages: []Message{{Payload: "not json"}}}
	c := NewConsumer(q, nil, &fakePlatform{}, nil, discardLogger())

	err := c.Run(context.Background())
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Run() error = %v, want *JobError", err)
	}
	if len(q.dropped) != 1 {
		t.Fatalf("malformed message was not dropped")
	}
}

func TestRunDropsUnsupportedLabels(t *testing.T) {
	q := &fakeQueue{messages: []Message{{Payload: `{"labels":["gpu"],"url":"https://ci.example.com/jobs/1"}`}}}
	c := NewConsumer(q, nil, &fakePlatform{}, []string{"linux", "docker"}, discardLogger())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if len(q.dropped) != 1 {
		t.Fatalf("job with unsupported labels was not dropped")
	}
}

func TestRunAcksAlreadyDispatchedJob(t *testing.T) {
	q := &fakeQueue{messages: []Message{{Payload: `{"labels":["linux"],"url":"https://ci.example.com/jobs/2"}`}}}
	c := NewConsumer(q, nil, &fakePlatform{dispatched: true}, []string{"linux"}, discardLogger())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if len(q.acked) != 1 {
		t.Fatalf("already-dispatched job was not acked")
	}
}

func TestValidateLabelsIsCaseFolded(t *testing.T) {
	c := NewConsumer(&fakeQueue{}, nil, &fakePlatform{}, []string{"Linux", "Docker"}, discardLogger())

	if !c.validateLabels([]string{"linux", "DOCKER"}) {
		t.Error("validateLabels() = false, want true for a case-folded subset match")
	}
	if c.validateLabels([]string{"gpu"}) {
		t.Error("validateLabels() = true, want false for an unsupported label")
	}
}

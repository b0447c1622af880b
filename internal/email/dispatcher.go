package email

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pliu/relaychat/internal/logging"
)

const (
	DefaultQueueSize = 64
	DefaultWorkers   = 2
)

var tracer = otel.Tracer("github.com/pliu/relaychat/internal/email")

// OTPNotice is a request to deliver a one-time code to Email.
type OTPNotice struct {
	Email string
	Name  string
	Code  string
	TTL   time.Duration
}

// Mailer delivers a single notice. *Sender is the production Mailer.
type Mailer interface {
	SendOTP(ctx context.Context, n OTPNotice) error
}

type job struct {
	ctx    context.Context
	notice OTPNotice
}

// Dispatcher delivers notices on background workers. Notify never blocks
// and never reports delivery failures to the caller; they are logged.
type Dispatcher struct {
	mailer Mailer
	logger logging.Logger
	jobs   chan job
	wg     sync.WaitGroup
}

func NewDispatcher(mailer Mailer, logger logging.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		mailer: mailer,
		logger: logger,
		jobs:   make(chan job, queueSize),
	}
}

// Start launches workers that deliver queued notices until ctx is done.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Notify queues n for delivery. The notice is dropped, with a warning, when
// the queue is full.
func (d *Dispatcher) Notify(ctx context.Context, n OTPNotice) {
	j := job{ctx: context.WithoutCancel(ctx), notice: n}
	select {
	case d.jobs <- j:
	default:
		d.logger.Warn(ctx, "email queue full, notice dropped", "to", n.Email)
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.jobs:
			d.deliver(j)
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, span := tracer.Start(j.ctx, "email.SendOTP")
	defer span.End()
	span.SetAttributes(attribute.String("email.to", j.notice.Email))

	if err := d.mailer.SendOTP(ctx, j.notice); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		d.logger.Warn(ctx, "email send failed", "to", j.notice.Email, "err", err)
		return
	}
	d.logger.Debug(ctx, "email sent", "to", j.notice.Email)
}

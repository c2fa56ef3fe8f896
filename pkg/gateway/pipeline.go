package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"scg/pkg/actuator"
	"scg/pkg/audit"
	"scg/pkg/metrics"
	"scg/pkg/models"
	"scg/pkg/policy"
	"scg/pkg/replay"
	"scg/pkg/stream"
)

// DefaultAuditTimeout bounds the audit append. It runs detached from the
// caller's context because by then the robot has already acted.
const DefaultAuditTimeout = 5 * time.Second

type Verifier interface {
	Verify(identity string, canonical []byte, sigB64 string) error
}

type Authorizer interface {
	Authorize(identity, command string) (policy.Command, error)
}

// Pipeline holds the collaborators for one gateway. The registry and policy
// are read-only; the ledger and audit sink synchronize internally.
type Pipeline struct {
	Keys         Verifier
	Policy       Authorizer
	Freshness    replay.FreshnessGuard
	Ledger       replay.Ledger
	Executor     actuator.Executor
	Audit        audit.Sink
	Hub          *stream.Hub
	Metrics      *metrics.Registry
	Log          *slog.Logger
	Tracer       trace.Tracer
	Now          func() time.Time
	NewID        func() string
	AuditTimeout time.Duration
}

// Outcome is the single terminal result of Process. Stage is StageResponded
// for executed commands and StageRejected otherwise.
type Outcome struct {
	RequestID string
	Identity  string
	Command   string
	// PayloadDigest is the hex SHA-256 of the canonical payload, empty when
	// the body never parsed.
	PayloadDigest string
	Stage         Stage
	Rejection     *Rejection
	RobotResponse json.RawMessage
}

func (o Outcome) Executed() bool { return o.Rejection == nil }

func (o Outcome) Reason() Reason {
	if o.Rejection == nil {
		return ReasonNone
	}
	return o.Rejection.Reason
}

func (o Outcome) HTTPStatus() int { return o.Reason().HTTPStatus() }

// Response is the client-facing body. AuditFailure keeps robot_response so the
// caller learns that actuation happened.
func (o Outcome) Response() models.CommandResponse {
	resp := models.CommandResponse{RequestID: o.RequestID, RobotResponse: o.RobotResponse}
	if o.Rejection == nil {
		resp.Status = models.StatusExecuted
		return resp
	}
	resp.Status = models.StatusRejected
	resp.Reason = o.Rejection.Reason.Message()
	return resp
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Pipeline) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}
	return noop.NewTracerProvider().Tracer("scg/gateway")
}

type run struct {
	p       *Pipeline
	ctx     context.Context
	out     Outcome
	reached Stage
}

// step runs fn under a child span named after the target stage. On success
// the request advances to that stage.
func (r *run) step(target Stage, fn func(ctx context.Context) *Rejection) bool {
	ctx, span := r.p.tracer().Start(r.ctx, "scg."+target.String())
	start := time.Now()
	rej := fn(ctx)
	r.p.Metrics.ObserveStage(target.String(), time.Since(start))
	if rej != nil {
		rej.Stage = r.reached
		span.SetStatus(codes.Error, rej.Reason.String())
		span.End()
		r.out.Rejection = rej
		return false
	}
	span.End()
	r.reached = target
	return true
}

// Process takes one request body through the pipeline. It never panics on
// hostile input and returns exactly one terminal outcome.
func (p *Pipeline) Process(ctx context.Context, body []byte) Outcome {
	ctx, span := p.tracer().Start(ctx, "scg.command")
	defer span.End()
	r := &run{p: p, ctx: ctx, reached: StageReceived}
	r.out.RequestID = p.newID()
	span.SetAttributes(attribute.String("scg.request_id", r.out.RequestID))

	var (
		env       models.CommandEnvelope
		canonical []byte
		payload   models.Payload
	)
	ok := r.step(StageParsed, func(context.Context) *Rejection {
		var err error
		env, err = models.ParseEnvelope(body)
		if err != nil {
			return &Rejection{Reason: ReasonMalformedRequest, Err: err}
		}
		r.out.Identity = env.Identity
		canonical, err = models.Canonicalize(env.Payload)
		if err != nil {
			return &Rejection{Reason: ReasonMalformedRequest, Err: err}
		}
		r.out.PayloadDigest = models.Digest(canonical)
		return nil
	}) && r.step(StageAuthenticated, func(context.Context) *Rejection {
		if p.Keys == nil {
			return &Rejection{Reason: ReasonAuthenticationFailure, Err: errors.New("no trust store")}
		}
		if err := p.Keys.Verify(env.Identity, canonical, env.Signature); err != nil {
			return &Rejection{Reason: ReasonAuthenticationFailure, Err: err}
		}
		// Payload fields are only trusted from here on.
		var err error
		payload, err = env.DecodePayload()
		if err != nil {
			return &Rejection{Reason: ReasonMalformedRequest, Err: err}
		}
		r.out.Command = payload.Command
		return nil
	}) && r.step(StageFresh, func(context.Context) *Rejection {
		guard := p.Freshness
		if guard.Now == nil {
			guard.Now = p.now
		}
		if err := guard.Check(payload.Timestamp); err != nil {
			return &Rejection{Reason: ReasonStaleRequest, Err: err}
		}
		return nil
	}) && r.step(StageNonReplayed, func(ctx context.Context) *Rejection {
		if p.Ledger == nil {
			return &Rejection{Reason: ReasonReplayGuardUnavailable, Err: replay.ErrLedgerUnavailable}
		}
		fresh, err := p.Ledger.CheckAndInsert(ctx, payload.Nonce, p.Freshness.ExpiresAt(payload.Timestamp))
		if err != nil {
			return &Rejection{Reason: ReasonReplayGuardUnavailable, Err: err}
		}
		if !fresh {
			return &Rejection{Reason: ReasonReplayDetected, Err: errors.New("nonce already consumed")}
		}
		return nil
	}) && r.step(StageAuthorized, func(context.Context) *Rejection {
		if p.Policy == nil {
			return &Rejection{Reason: ReasonAuthorizationDenied, Err: policy.ErrNotPermitted}
		}
		cmd, err := p.Policy.Authorize(env.Identity, payload.Command)
		if err != nil {
			return &Rejection{Reason: ReasonAuthorizationDenied, Err: err}
		}
		r.out.Command = cmd.String()
		return nil
	}) && r.step(StageForwarded, func(ctx context.Context) *Rejection {
		if p.Executor == nil {
			return &Rejection{Reason: ReasonDownstreamUnavailable, Err: actuator.ErrUnreachable}
		}
		resp, err := p.Executor.Execute(ctx, env.Payload)
		if err != nil {
			return &Rejection{Reason: ReasonDownstreamUnavailable, Err: err}
		}
		r.out.RobotResponse = resp
		return nil
	}) && r.step(StageAudited, func(ctx context.Context) *Rejection {
		return p.appendAudit(ctx, r.out, env.Payload)
	})
	if ok {
		r.reached = StageResponded
		r.out.Stage = StageResponded
	} else {
		r.out.Stage = StageRejected
		span.SetStatus(codes.Error, r.out.Rejection.Reason.String())
	}
	span.SetAttributes(
		attribute.String("scg.identity", r.out.Identity),
		attribute.String("scg.command", r.out.Command),
		attribute.String("scg.reason", r.out.Reason().String()),
		attribute.String("scg.payload_digest", r.out.PayloadDigest),
	)
	p.finish(ctx, r.out)
	return r.out
}

func (p *Pipeline) appendAudit(ctx context.Context, out Outcome, payload json.RawMessage) *Rejection {
	entry := audit.Entry{
		RequestID: out.RequestID,
		Identity:  out.Identity,
		Payload:   payload,
		Result:    out.RobotResponse,
		Timestamp: p.now().UTC(),
	}
	if p.Audit == nil {
		p.logAuditFallback(ctx, entry, errors.New("no audit sink"))
		return &Rejection{Reason: ReasonAuditFailure, Err: errors.New("no audit sink")}
	}
	timeout := p.AuditTimeout
	if timeout <= 0 {
		timeout = DefaultAuditTimeout
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := p.Audit.Append(actx, entry); err != nil {
		p.logAuditFallback(ctx, entry, err)
		return &Rejection{Reason: ReasonAuditFailure, Err: err}
	}
	return nil
}

// logAuditFallback keeps a secondary record of an executed command whose
// audit append failed.
func (p *Pipeline) logAuditFallback(ctx context.Context, entry audit.Entry, err error) {
	line, mErr := audit.Line(entry)
	if mErr != nil {
		line = nil
	}
	p.log().ErrorContext(ctx, "audit append failed after execution",
		"request_id", entry.RequestID,
		"identity", entry.Identity,
		"entry", string(line),
		"err", err,
	)
}

func (p *Pipeline) finish(ctx context.Context, out Outcome) {
	status := models.StatusExecuted
	if !out.Executed() {
		status = models.StatusRejected
	}
	p.Metrics.ObserveDecision(status, out.Reason().String())
	d := stream.Decision{
		RequestID: out.RequestID,
		Identity:  out.Identity,
		Command:   out.Command,
		Status:    status,
	}
	if out.Rejection != nil {
		d.Reason = out.Rejection.Reason.String()
		d.Stage = out.Rejection.Stage.String()
		p.log().WarnContext(ctx, "command rejected",
			"request_id", out.RequestID,
			"identity", out.Identity,
			"command", out.Command,
			"payload_digest", out.PayloadDigest,
			"stage", out.Rejection.Stage.String(),
			"reason", out.Rejection.Reason.String(),
			"err", out.Rejection.Err,
		)
	} else {
		d.Stage = StageResponded.String()
		p.log().InfoContext(ctx, "command executed",
			"request_id", out.RequestID,
			"identity", out.Identity,
			"command", out.Command,
			"payload_digest", out.PayloadDigest,
		)
	}
	p.Hub.PublishDecision(d)
}

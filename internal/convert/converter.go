package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxFileSizeBytes = 50 * 1024 * 1024
	DefaultJPEGQuality      = 90
	ContentTypeJPEG         = "image/jpeg"
)

type Config struct {
	MaxFileSizeBytes int64
	JPEGQuality      int
}

func (c Config) Validate() error {
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSizeBytes)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be within 1..100, got %d", c.JPEGQuality)
	}
	return nil
}

type Input struct {
	Data      []byte
	MediaType string
	Filename  string
}

type Output struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Source      Metadata
	Plan        Plan
}

type Stage string

const (
	StageReceived    Stage = "received"
	StageInspected   Stage = "inspected"
	StagePlanned     Stage = "planned"
	StageTransformed Stage = "transformed"
	StageEncoded     Stage = "encoded"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

type Converter struct {
	cfg    Config
	codec  Codec
	logger *log.Logger
	tracer trace.Tracer
	slots  chan struct{}
}

type Option func(*Converter)

func WithCodec(codec Codec) Option {
	return func(c *Converter) {
		if codec != nil {
			c.codec = codec
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Converter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Converter) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithConcurrency bounds the number of conversions running at once.
func WithConcurrency(n int) Option {
	return func(c *Converter) {
		if n > 0 {
			c.slots = make(chan struct{}, n)
		}
	}
}

func New(cfg Config, opts ...Option) (*Converter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversion config: %w", err)
	}

	c := &Converter{
		cfg:    cfg,
		codec:  newCodec(),
		logger: log.New(io.Discard, "", 0),
		tracer: otel.Tracer("heicflow/convert"),
		slots:  make(chan struct{}, max(1, runtime.NumCPU())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Converter) Config() Config {
	return c.cfg
}

// Inspect reads the header-level metadata of data in lenient mode.
func (c *Converter) Inspect(data []byte) (Metadata, error) {
	md, err := c.codec.Inspect(data, DecodeLenient)
	if err != nil {
		return Metadata{}, DecodeError(err)
	}
	return md, nil
}

// Convert runs one input through inspect, plan, transform and encode. Only
// the wait for a free slot observes ctx; a started conversion runs to
// completion.
func (c *Converter) Convert(ctx context.Context, in Input) (Output, error) {
	ctx, span := c.tracer.Start(ctx, "convert.image")
	defer span.End()
	span.SetAttributes(
		attribute.Int("image.input_bytes", len(in.Data)),
		attribute.String("image.media_type", in.MediaType),
	)

	if err := c.validate(in); err != nil {
		return Output{}, c.fail(span, StageReceived, err)
	}

	if !Classify(in.MediaType, in.Filename).IsHeicFamily {
		c.logger.Printf("non-heic upload media_type=%q filename=%q", in.MediaType, in.Filename)
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return Output{}, c.fail(span, StageReceived, CanceledError(ctx.Err()))
	}
	defer func() { <-c.slots }()

	out, stage, err := c.run(span, in.Data)
	if err != nil {
		return Output{}, c.fail(span, stage, err)
	}

	span.SetAttributes(
		attribute.String("image.format", out.Source.Format),
		attribute.String("image.plan", out.Plan.String()),
		attribute.Int("image.output_bytes", len(out.Data)),
	)
	span.SetStatus(codes.Ok, "converted")
	c.logger.Printf(
		"converted format=%s size=%dx%d plan=%s bytes_in=%d bytes_out=%d",
		out.Source.Format,
		out.Width,
		out.Height,
		out.Plan,
		len(in.Data),
		len(out.Data),
	)
	return out, nil
}

func (c *Converter) validate(in Input) error {
	if len(in.Data) == 0 {
		return ValidationError(ErrNoInput)
	}
	if int64(len(in.Data)) > c.cfg.MaxFileSizeBytes {
		return ValidationError(fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, len(in.Data), c.cfg.MaxFileSizeBytes))
	}
	return nil
}

func (c *Converter) run(span trace.Span, data []byte) (out Output, stage Stage, err error) {
	stage = StageReceived
	advance := func(next Stage) {
		stage = next
		span.AddEvent(string(next))
	}

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("codec panic: %v", r)
			if stage == StageReceived {
				err = DecodeError(panicErr)
			} else {
				err = EncodeError(panicErr)
			}
		}
	}()

	md, err := c.codec.Inspect(data, DecodeLenient)
	if err != nil {
		return Output{}, stage, DecodeError(err)
	}
	advance(StageInspected)

	plan := PlanFor(md)
	advance(StagePlanned)

	img, err := c.codec.Decode(data, DecodeLenient)
	if err != nil {
		return Output{}, stage, EncodeError(err)
	}
	defer img.Close()

	if err := applyPlan(img, plan); err != nil {
		return Output{}, stage, EncodeError(err)
	}
	advance(StageTransformed)

	encoded, err := img.EncodeJPEG(c.cfg.JPEGQuality)
	if err != nil {
		return Output{}, stage, EncodeError(err)
	}
	if !isCompleteJPEG(encoded) {
		return Output{}, stage, EncodeError(errors.New("encoder produced an incomplete jpeg stream"))
	}
	advance(StageEncoded)

	out = Output{
		Data:        encoded,
		ContentType: ContentTypeJPEG,
		Width:       img.Width(),
		Height:      img.Height(),
		Source:      md,
		Plan:        plan,
	}
	advance(StageDone)
	return out, stage, nil
}

func applyPlan(img Image, plan Plan) error {
	for _, step := range plan {
		switch step.Op {
		case OpRotateUpright:
			if err := img.AutoOrient(); err != nil {
				return fmt.Errorf("%s: %w", step, err)
			}
		case OpFlattenAlpha:
			if err := img.Flatten(step.Background); err != nil {
				return fmt.Errorf("%s: %w", step, err)
			}
		default:
			return fmt.Errorf("unknown plan step %q", step.Op)
		}
	}
	return nil
}

func (c *Converter) fail(span trace.Span, stage Stage, err error) error {
	span.AddEvent(string(StageFailed), trace.WithAttributes(attribute.String("stage", string(stage))))
	span.RecordError(err)
	span.SetStatus(codes.Error, "conversion failed")
	c.logger.Printf("conversion failed stage=%s kind=%s err=%v", stage, KindOf(err), err)
	return err
}

package config

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/robfig/cron/v3"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/value"
)

// scheduleTimeout bounds a single scheduled send.
const scheduleTimeout = 5 * time.Second

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type cronDefinition struct {
	Name     string         `hcl:"name,label"`
	Schedule string         `hcl:"schedule"`
	Timezone string         `hcl:"timezone,optional"`
	Type     string         `hcl:"type"`
	To       string         `hcl:"to,optional"`
	Payload  hcl.Expression `hcl:"payload,optional"`
	DefRange hcl.Range      `hcl:",def_range"`
}

// Schedule is a message sent on a cron schedule. Without To it is
// published; otherwise it is sent to that peer.
//
// The payload expression is evaluated on every run and may refer to
// cron.name, cron.node and cron.run (1 on the first run).
type Schedule struct {
	Name     string
	Node     string
	Spec     string
	Location *time.Location
	Type     string
	To       string

	payload hcl.Expression
	evalCtx *hcl.EvalContext
}

func (c *Config) buildSchedule(node string, def *cronDefinition) (*Schedule, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	invalid := func(summary, detail string) hcl.Diagnostics {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  summary,
			Detail:   detail,
			Subject:  &def.DefRange,
		})
	}

	tz := def.Timezone
	if tz == "" {
		tz = "Local"
	}
	location, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("Invalid timezone", fmt.Sprintf("Invalid timezone: %s", def.Timezone))
	}
	if _, err := cronParser.Parse(def.Schedule); err != nil {
		return nil, invalid("Invalid schedule", fmt.Sprintf("cron %s: %s", def.Name, err))
	}
	if def.Type == "" {
		return nil, invalid("Invalid cron block", fmt.Sprintf("cron %s: type is required", def.Name))
	}

	s := &Schedule{
		Name:     def.Name,
		Node:     node,
		Spec:     def.Schedule,
		Location: location,
		Type:     def.Type,
		To:       def.To,
		evalCtx:  c.evalCtx,
	}
	if IsExpressionProvided(def.Payload) {
		s.payload = def.Payload
	}
	return s, diags
}

// Payload evaluates the payload for the given run. A schedule without a
// payload sends an empty object.
func (s *Schedule) Payload(run int64) (value.Value, error) {
	if s.payload == nil {
		return value.NewObject(), nil
	}
	ctx := s.evalCtx.NewChild()
	ctx.Variables = map[string]cty.Value{
		"cron": cty.ObjectVal(map[string]cty.Value{
			"name": cty.StringVal(s.Name),
			"node": cty.StringVal(s.Node),
			"run":  cty.NumberIntVal(run),
		}),
	}
	v, diags := s.payload.Value(ctx)
	if diags.HasErrors() {
		return value.Value{}, diags
	}
	return value.FromCty(v)
}

func (s *Schedule) spec() string {
	if s.Location == nil || s.Location == time.Local {
		return s.Spec
	}
	return "CRON_TZ=" + s.Location.String() + " " + s.Spec
}

type scheduledSend struct {
	schedule *Schedule
	handle   router.Handle
	logger   *zap.Logger
	runs     atomic.Int64
}

func (j *scheduledSend) Run() {
	run := j.runs.Add(1)
	s := j.schedule
	logger := j.logger.With(zap.String("cron", s.Name), zap.String("type", s.Type), zap.Int64("run", run))

	v, err := s.Payload(run)
	if err != nil {
		logger.Error("Error evaluating payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), scheduleTimeout)
	defer cancel()
	if s.To != "" {
		err = j.handle.SendTo(ctx, s.To, s.Type, v)
	} else {
		err = j.handle.PublishValue(ctx, s.Type, v)
	}
	if err != nil {
		logger.Warn("Scheduled send failed", zap.String("to", s.To), zap.Error(err))
		return
	}
	logger.Debug("Scheduled send", zap.String("to", s.To))
}

// NewScheduler returns a stopped cron runner that fires each schedule
// through h. Start it after the router and stop it before.
func NewScheduler(schedules []*Schedule, h router.Handle, logger *zap.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New(cron.WithLogger(NewZapCronLogger(logger)), cron.WithParser(cronParser))
	for _, s := range schedules {
		if _, err := c.AddJob(s.spec(), &scheduledSend{schedule: s, handle: h, logger: logger}); err != nil {
			return nil, fmt.Errorf("cron %s: %w", s.Name, err)
		}
	}
	return c, nil
}

// ZapCronLogger adapts a zap.Logger to cron.Logger. Cron's own info
// messages are logged at debug level.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, kvFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.logger.Error(msg, append(kvFields(keysAndValues), zap.Error(err))...)
}

func kvFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}

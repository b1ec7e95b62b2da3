package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/passup/api/schemas"
)

// Secret logs only whether a sensitive value is set and how long it is.
func Secret(key, value string) zap.Field {
	return zap.Object(key, secretField(value))
}

type secretField string

func (s secretField) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("set", s != "")
	enc.AddInt("length", len(s))
	return nil
}

// Result flattens an execution result into log fields.
func Result(res schemas.ExecutionResult) []zap.Field {
	fields := []zap.Field{
		zap.String("execution_id", res.ExecutionID),
		zap.String("site", res.SiteKey),
		zap.String("status", string(res.Status)),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("steps_completed", res.StepsCompleted),
	}
	if res.ErrorKind != schemas.ErrorKindNone {
		fields = append(fields,
			zap.String("error_kind", string(res.ErrorKind)),
			zap.String("error_category", string(res.ErrorKind.Category())),
			zap.Int("failed_step_index", res.FailedStepIndex),
			zap.String("failed_step", res.FailedStep),
			zap.String("message", res.Message),
		)
	}
	return fields
}

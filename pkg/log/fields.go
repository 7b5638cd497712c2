package log

import (
	"fmt"

	"go.uber.org/zap"
)

// toFields turns a loosely-typed key-value list into zap fields. Bare errors
// and ready-made zap.Field values are passed through; a trailing unpaired
// value is kept rather than dropped.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(v))
			i++
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg%d", i), args[i]))
			break
		}

		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		fields = append(fields, zap.Any(key, args[i+1]))
		i += 2
	}
	return fields
}

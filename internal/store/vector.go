package store

import (
	"fmt"
	"strconv"
	"strings"
)

// encodeVectorLiteral renders a float32 slice as a pgvector text literal.
func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

// decodeVectorLiteral parses a pgvector text literal back into a float32 slice.
func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", part, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

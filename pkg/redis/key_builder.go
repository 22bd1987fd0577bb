package redis

import (
	"strings"
)

// KeyBuilder builds keys of the form namespace:context:entity[:attribute].
type KeyBuilder struct {
	namespace string
	context   string
}

func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a key. An empty attribute is left out.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := []string{
		kb.namespace,
		kb.context,
		strings.ToLower(entity),
	}

	if attribute != "" {
		parts = append(parts, strings.ToLower(attribute))
	}

	return strings.Join(parts, ":")
}

// Parse extracts components from a key.
func (kb *KeyBuilder) Parse(key string) map[string]string {
	parts := strings.Split(key, ":")
	result := make(map[string]string)

	if len(parts) >= 1 {
		result["namespace"] = parts[0]
	}
	if len(parts) >= 2 {
		result["context"] = parts[1]
	}
	if len(parts) >= 3 {
		result["entity"] = parts[2]
	}
	if len(parts) >= 4 {
		result["attribute"] = strings.Join(parts[3:], ":")
	}

	return result
}

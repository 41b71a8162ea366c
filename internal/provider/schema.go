package provider

import "github.com/invopop/jsonschema"

// SchemaFor reflects a JSON schema for T, suitable as a response format hint.
func SchemaFor[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

func Temp(t float64) *float64 {
	return &t
}

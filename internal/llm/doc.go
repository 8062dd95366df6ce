// Package llm defines the provider-neutral reasoning interface used by the
// agent runtime: messages, tool schemas and tool calls. Concrete providers
// live in the sub-packages and are selected through llm/provider.
package llm

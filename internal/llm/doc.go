// Package llm defines the model client used by task execution contexts. The
// reasoning loop itself lives behind the Client interface; StaticClient is a
// deterministic stand-in and the openai subpackage talks to a Chat
// Completions compatible endpoint.
package llm

// Package agent invokes the external AI coding agent as a subprocess.
//
// Every workflow phase delegates its actual code and document generation to
// the agent CLI. The executor treats the agent as an opaque prompt-in
// transcript-out box: it writes the prompt, parses the stream-json line
// protocol on stdout, and surfaces the final result text plus the session
// identifier used to continue the conversation on later invocations.
package agent

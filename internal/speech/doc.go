// Package speech prepares generated text for a voice channel.
//
// A Chunker turns streamed deltas into sentence-sized pieces so the caller
// hears the first sentence while the rest is still generating. Plain removes
// markdown a language model may emit.
package speech

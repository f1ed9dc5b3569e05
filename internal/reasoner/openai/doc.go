// Package openai is a reasoning backend that streams chat completions with
// function tools from an OpenAI-compatible endpoint.
package openai

// Package transcription implements the HTTP client for the transcription backend.
// Recordings are sent as JSON with base64 audio. Rate limiting and server
// errors are retried with exponential backoff, and concurrent requests are
// bounded by a semaphore. Multi-segment recordings are transcribed in order
// with inline markers for segments that fail.
package transcription

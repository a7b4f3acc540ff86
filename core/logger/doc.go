// Package logger is the event log of the shell: one JSON object per line
// describing commands run and what became of their jobs.
package logger

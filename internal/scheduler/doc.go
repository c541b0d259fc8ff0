// Package scheduler reconciles the validated task set against live cron
// entries and wraps every invocation with monitoring, overlap control and
// bounded retry.
package scheduler

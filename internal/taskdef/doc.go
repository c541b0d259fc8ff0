// Package taskdef holds the task definition model and the file source that
// loads the task set (JSON or YAML document with a top-level "tasks" object).
package taskdef

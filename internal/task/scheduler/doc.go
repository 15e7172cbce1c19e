// Package scheduler owns job definitions and decides when they fire
// (interval, cron calendar or one-shot date).
//
// Execution is delegated to internal/task/engine. The scheduler is
// responsible only for:
//   - validating and registering jobs against the task registry
//   - computing next fire times
//   - enqueueing fired jobs into the task engine
package scheduler

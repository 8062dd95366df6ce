// Package alerting turns agent loop faults and failed transactions from the
// audit log into notifications on webhook or Slack channels.
package alerting
